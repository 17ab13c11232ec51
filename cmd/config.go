package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolved(rootConfigPath)
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", rootConfigPath)
			_, _ = cmd.OutOrStdout().Write(out)
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
	rootCmd.AddCommand(configCmd)
}
