package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"texbridge/internal/preflight"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check directories, peers and limits the bridge depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, line := range checkLines(preflight.RunAll(contextOrBackground(cmd), cfg), colorize) {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

// checkLines renders one status line per result. A missing peer is a warning
// because the bridge tolerates it; anything else is an error.
func checkLines(results []preflight.Result, colorize bool) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		kind := statusOK
		if !r.Passed {
			kind = statusError
			if r.Name == "Descriptor receiver" || r.Name == "Metadata consumer" {
				kind = statusWarn
			}
		}
		lines = append(lines, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
	return lines
}
