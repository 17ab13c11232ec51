package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/config"
)

var sendDate string

func init() {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Email the workbook for one day, assembling it first if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", rootConfigPath, err)
			}
			date, err := parseDateFlag(cfg, sendDate)
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
			err = rep.RunSend(cmd.Context(), date)
			flushHistory(hist)
			return err
		},
	}
	sendCmd.Flags().StringVar(&sendDate, "date", "", "Target day (YYYY-MM-DD, default yesterday)")
	rootCmd.AddCommand(sendCmd)
}
