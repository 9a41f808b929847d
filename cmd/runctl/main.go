// Command runctl inspects and maintains the runner's durable state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "runctl",
		Short:        "Inspect and maintain runner state",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "warn", "log level")
	root.AddCommand(newRunsCmd(), newSweepCmd(), newCreditCmd())
	return root
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
