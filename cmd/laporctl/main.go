package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "laporctl",
		Short: "Operator tool for the citizen report lifecycle services",
		Long: `laporctl runs the lifecycle demo in-process, triggers escalation scans,
prints the status transition table, issues development tokens and
replays dead letters.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(demoCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(transitionsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(deadLettersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
