package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"citizen-report-coordinator/pkg/lifecycle"
	"citizen-report-coordinator/pkg/report"
)

func transitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions",
		Short: "Print the report status transition table",
		RunE: func(cmd *cobra.Command, args []string) error {
			printTransitions(cmd.OutOrStdout())
			return nil
		},
	}
}

func printTransitions(out io.Writer) {
	fmt.Fprintf(out, "Transition table v%d\n\n", lifecycle.TableVersion)
	for _, from := range report.AllStatuses {
		targets := lifecycle.Targets(from)
		if from.Terminal() {
			fmt.Fprintf(out, "  %-17s %s\n", from, color.New(color.FgRed).Sprint("(terminal)"))
			continue
		}
		names := make([]string, len(targets))
		for i, t := range targets {
			names[i] = string(t)
		}
		fmt.Fprintf(out, "  %-17s -> %s\n", from, strings.Join(names, ", "))
	}
}
