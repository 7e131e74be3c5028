package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitemirror/mirror"
	"sitemirror/processor"
)

var (
	urlsFile    string
	retryFailed bool
	noRepair    bool
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror [url...]",
	Short: "Render, rewrite and store pages of a site",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())

		urls, err := targets(cfg, args)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := runMirror(ctx, cfg, urls)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d/%d pages mirrored, %d assets downloaded, %d pages failing\n",
			rep.RunID, rep.Succeeded, rep.Attempted, rep.AssetsDownloaded, len(rep.Failures))
		return nil
	},
}

// targets collects the URLs of a mirror run from the arguments, the
// --urls-file list and, with --retry-failed, the persisted failures.
func targets(cfg config, args []string) ([]string, error) {
	urls := append([]string(nil), args...)
	if urlsFile != "" {
		list, err := mirror.ReadTargetsFile(urlsFile)
		if err != nil {
			return nil, err
		}
		urls = append(urls, list...)
	}
	if retryFailed {
		rep, err := mirror.LoadReport(cfg.OutputDir)
		if err != nil {
			return nil, err
		}
		urls = append(urls, rep.FailedURLs()...)
	}
	if len(urls) == 0 {
		return nil, mirror.ErrNoURLs
	}
	return urls, nil
}

func runMirror(ctx context.Context, cfg config, urls []string) (*mirror.Report, error) {
	s, err := cfg.siteFor(urls)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	r := cfg.newRenderer(log)
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	defer r.Close()

	p := cfg.pipeline(s, log)
	drv := mirror.NewDriver(mirror.Config{
		Root:             cfg.OutputDir,
		Concurrency:      cfg.Concurrency,
		PageTimeout:      cfg.PageTimeout,
		Screenshots:      cfg.Screenshots,
		ChallengeMarkers: cfg.ChallengeMarkers,
		API:              cfg.matcher(),
		Logger:           log,
	}, s, r, p.transformer, p.store)

	rep, err := drv.Run(ctx, urls)
	if err != nil {
		return rep, err
	}
	if noRepair {
		return rep, nil
	}
	stats, err := processor.NewRepairer(processor.RepairConfig{
		Root:    cfg.OutputDir,
		Workers: cfg.RepairWorkers,
		Logger:  log,
	}, s).RepairAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return rep, err
	}
	log.WithField("modified", stats.Modified).Info("link repair done")
	return rep, nil
}

func init() {
	f := mirrorCmd.Flags()
	f.StringVar(&urlsFile, "urls-file", "", "file with URLs to mirror (one per line, or a sitemap)")
	f.BoolVar(&retryFailed, "retry-failed", false, "also mirror the pages that failed in earlier runs")
	f.BoolVar(&noRepair, "no-repair", false, "skip the link repair pass")
	f.Int("concurrency", mirror.DefaultConcurrency, "pages rendered in parallel")
	f.Duration("page-timeout", mirror.DefaultPageTimeout, "render timeout per page")
	f.Bool("screenshots", false, "store a screenshot next to every page")
	f.Bool("headless", true, "run Chrome headless")
	f.String("chrome-bin", "", "Chrome binary to launch")
	f.String("remote-url", "", "DevTools URL of a running Chrome")
	f.Float64("asset-rps", 0, "asset requests per second (0 = unlimited)")

	for key, flag := range map[string]string{
		"concurrency":  "concurrency",
		"page_timeout": "page-timeout",
		"screenshots":  "screenshots",
		"headless":     "headless",
		"chrome_bin":   "chrome-bin",
		"remote_url":   "remote-url",
		"asset_rps":    "asset-rps",
	} {
		viper.BindPFlag(key, f.Lookup(flag))
	}
}
