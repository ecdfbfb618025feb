package main

import (
	"github.com/spf13/cobra"

	"texbridge/internal/bridge"
	"texbridge/internal/config"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		policy    string
		useSource bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge in the foreground",
		Long: "Run the bridge in the foreground. Frames come from the synthetic source when\n" +
			"--source is set or [source] enabled = true; descriptors go to the\n" +
			"descriptor socket and metadata to <host>:<port>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(config.WithPolicy(policy), config.WithSource(useSource))
			if err != nil {
				return err
			}
			return bridge.Run(cmd.Context(), cfg, bridge.Options{})
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "", "Ordering policy (split-strict, combined, probe-then-split)")
	cmd.Flags().BoolVar(&useSource, "source", false, "Feed the bridge from the synthetic frame source")
	return cmd
}
