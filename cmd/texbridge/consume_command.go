package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"texbridge/internal/metadata"
)

func newConsumeCommand(ctx *commandContext) *cobra.Command {
	var (
		addr  string
		reply string
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Accept metadata connections and reply to every frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(addr)
			if target == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				target = cfg.MetadataEndpoint()
			}
			ln, err := net.Listen("tcp", target)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", target, err)
			}

			signalCtx, cancel := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			handler := func(_ context.Context, payload []byte) string {
				if !quiet {
					mu.Lock()
					fmt.Fprintln(out, string(payload))
					mu.Unlock()
				}
				return reply
			}
			fmt.Fprintf(out, "Consuming metadata on %s\n", ln.Addr())
			return metadata.NewConsumer(handler, nil).Serve(signalCtx, ln)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to the configured metadata endpoint)")
	cmd.Flags().StringVar(&reply, "reply", metadata.DefaultReply, "Reply sent for every frame")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print payloads")
	return cmd
}
