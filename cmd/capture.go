package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/config"
)

func init() {
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Take one camera snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", rootConfigPath, err)
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
			err = rep.RunCapture(cmd.Context())
			flushHistory(hist)
			return err
		},
	}
	rootCmd.AddCommand(captureCmd)
}
