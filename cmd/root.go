// Package cmd is the sitemirror command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "sitemirror",
	Short: "Mirror rendered websites for offline browsing",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		return setupLogging()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging() error {
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	switch format := viper.GetString("log_format"); format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log_format %q", format)
	}
	return nil
}

func init() {
	setDefaults(viper.GetViper())

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./mirror.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("output", viper.GetString("output_dir"), "mirror root directory")
	rootCmd.PersistentFlags().String("site", "", "site base URL")
	viper.BindPFlag("output_dir", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))

	rootCmd.AddCommand(mirrorCmd, repairCmd, scanCmd, serveCmd)
}
