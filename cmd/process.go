package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/config"
)

var processDate string

func init() {
	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Assemble the workbook for one day and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", rootConfigPath, err)
			}
			date, err := parseDateFlag(cfg, processDate)
			if err != nil {
				return err
			}

			gate, err := lockPipeline(cfg)
			if err != nil {
				return err
			}
			if gate == nil {
				return nil
			}
			defer gate.Release()

			rep, hist, err := buildReporter(cfg)
			if err != nil {
				return err
			}
			err = rep.RunProcess(cmd.Context(), date)
			flushHistory(hist)
			return err
		},
	}
	processCmd.Flags().StringVar(&processDate, "date", "", "Target day (YYYY-MM-DD, default yesterday)")
	rootCmd.AddCommand(processCmd)
}
