package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"texbridge/internal/fdpass"
)

func newRecvCommand(ctx *commandContext) *cobra.Command {
	var (
		path  string
		ack   bool
		count int
	)

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Listen on the descriptor socket and print every received descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(path)
			if target == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				if err := cfg.EnsureDirectories(); err != nil {
					return err
				}
				target = cfg.DescriptorEndpoint()
			}

			var opts []fdpass.ListenOption
			if ack {
				opts = append(opts, fdpass.WithAck())
			}
			ln, err := fdpass.Listen(target, opts...)
			if err != nil {
				return err
			}
			defer ln.Close()

			signalCtx, cancel := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listening on %s\n", ln.Path())
			for received := 0; count <= 0 || received < count; received++ {
				rec, err := ln.Accept(signalCtx)
				if err != nil {
					if errors.Is(err, context.Canceled) || signalCtx.Err() != nil {
						return nil
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "receive failed: %v\n", err)
					continue
				}
				fmt.Fprintln(out, describeReceived(rec))
				_ = rec.Close()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Socket path (defaults to the configured descriptor endpoint)")
	cmd.Flags().BoolVar(&ack, "ack", false, "Acknowledge each descriptor (pairs with [bridge] await_ack)")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after N descriptors (0 runs until interrupted)")
	return cmd
}

func describeReceived(rec fdpass.Received) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fd=%d", rec.FD)
	var st unix.Stat_t
	if err := unix.Fstat(rec.FD, &st); err == nil {
		fmt.Fprintf(&b, " size=%d", st.Size)
	}
	if token := rec.Token(); token != nil {
		fmt.Fprintf(&b, " payload=%q", token)
	}
	return b.String()
}
