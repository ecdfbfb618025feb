package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"texbridge/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		prune  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted stats windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Stats.HistoryPath); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no history at %s; set [stats] history_enabled = true and run the bridge", cfg.Stats.HistoryPath)
			}
			store, err := history.Open(cfg.Stats.HistoryPath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if prune > 0 {
				removed, err := store.Prune(contextOrBackground(cmd), prune)
				if err != nil {
					return fmt.Errorf("prune history: %w", err)
				}
				fmt.Fprintf(out, "Removed %s\n", pluralize(int(removed), "window"))
				return nil
			}

			entries, err := store.Recent(contextOrBackground(cmd), limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if asJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No stats windows recorded")
				return nil
			}
			fmt.Fprintln(out, historyTable(entries))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of windows to show, newest first")
	cmd.Flags().IntVar(&prune, "prune", 0, "Keep only the newest N windows and exit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print windows as JSON")
	return cmd
}

func historyTable(entries []history.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		r := entry.Report
		session := entry.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		rows = append(rows, []string{
			r.End.Local().Format("2006-01-02 15:04:05"),
			session,
			entry.Policy,
			strconv.Itoa(r.Frames),
			strconv.FormatFloat(r.FPS, 'f', 1, 64),
			strconv.Itoa(r.Dropped),
			strconv.Itoa(r.Failed),
			strconv.FormatInt(int64(math.Round(r.AvgMicros)), 10),
			strconv.FormatInt(r.MaxMicros, 10),
			strconv.Itoa(r.Peers),
		})
	}
	return renderTable(
		[]string{"Window end", "Session", "Policy", "Frames", "FPS", "Dropped", "Failed", "Avg us", "Max us", "Peers"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
