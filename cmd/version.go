package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hunter-volkman/stock-report/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print stock-report version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("stock-report"))
		},
	})
}
