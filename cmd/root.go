package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/logutil"
)

var (
	rootConfigPath string
	rootLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "stock-report",
	Short: "Scheduled stock telemetry reports",
	Long:  "Stock-report fetches shelf telemetry, aggregates it into time buckets, assembles the daily workbook and emails it on schedule.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(rootLogLevel)
	}
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
}
