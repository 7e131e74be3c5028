package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitemirror/processor"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rewrite internal links of stored pages that now resolve",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(viper.GetViper())
		s, err := cfg.siteFor(nil)
		if err != nil {
			return err
		}
		stats, err := processor.NewRepairer(processor.RepairConfig{
			Root:    cfg.OutputDir,
			Workers: cfg.RepairWorkers,
			Logger:  log,
		}, s).RepairAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d documents, %d modified, %d links rewritten, %d failed in %s\n",
			stats.Documents, stats.Modified, stats.LinksRewritten, stats.Failed, stats.Duration)
		return nil
	},
}

func init() {
	repairCmd.Flags().Int("workers", 0, "parallel workers (default 2x CPUs)")
	viper.BindPFlag("repair_workers", repairCmd.Flags().Lookup("workers"))
}
