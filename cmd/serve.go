package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitemirror/site"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a mirror over HTTP so recorded API responses can be replayed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())
		if _, err := os.Stat(cfg.OutputDir); err != nil {
			return fmt.Errorf("mirror root: %w", err)
		}

		port := findFreePort(servePort)
		if port == 0 {
			return fmt.Errorf("no free port in %d-%d", servePort, servePort+9)
		}
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mirrorHandler(cfg.OutputDir, log),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdown); err != nil {
				srv.Close()
			}
		}()

		log.WithFields(logrus.Fields{
			"url":  fmt.Sprintf("http://localhost:%d/", port),
			"root": cfg.OutputDir,
		}).Info("serving mirror")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

// mirrorHandler serves the mirror root as static files; "/" opens the
// stored home page.
func mirrorHandler(root string, logger logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/"+site.RootName+"/", http.StatusFound)
	})
	r.Handle("/*", http.FileServer(http.Dir(root)))
	return r
}

func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start),
			}).Debug("request")
		})
	}
}

// findFreePort returns the first port from start on that can be bound,
// trying ten ports, or 0.
func findFreePort(start int) int {
	for port := start; port < start+10; port++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return 0
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "first port to try")
}
