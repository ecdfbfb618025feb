package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"texbridge/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return fmt.Errorf("status: %w", err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, status)
				}
				colorize := shouldColorize(out)
				fmt.Fprintln(out, strings.Join(bridgeLines(status, time.Now(), colorize), "\n"))
				if len(status.Queues) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, queueTable(status.Queues))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running bridge to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stop()
				if err != nil {
					return fmt.Errorf("stop: %w", err)
				}
				if resp.Stopped {
					fmt.Fprintln(cmd.OutOrStdout(), "Bridge stopping")
				}
				return nil
			})
		},
	}
}

func newResetPeersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-peers",
		Short: "Drop the metadata connection; the next frame reconnects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ResetPeers()
				if err != nil {
					return fmt.Errorf("reset peers: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", pluralize(resp.Dropped, "peer"))
				return nil
			})
		},
	}
}
