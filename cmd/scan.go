package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitemirror/processor"
)

var (
	rerun    bool
	scanJSON bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find stored pages that look incomplete",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())
		s, err := cfg.siteFor(nil)
		if err != nil {
			return err
		}
		found, err := processor.NewDetector(cfg.OutputDir, s, cfg.Detect, log).Scan(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if scanJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(found); err != nil {
				return err
			}
		} else {
			for _, p := range found {
				fmt.Fprintf(out, "%s\t%s\t%s\n", p.URL, p.LocalPath, p.Reason)
			}
		}
		if !rerun || len(found) == 0 {
			return nil
		}

		urls := make([]string, 0, len(found))
		for _, p := range found {
			urls = append(urls, p.URL)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		rep, err := runMirror(ctx, cfg, urls)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "re-mirrored %d/%d flagged pages\n", rep.Succeeded, rep.Attempted)
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&rerun, "rerun", false, "mirror the flagged pages again")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print results as JSON")
}
