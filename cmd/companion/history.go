package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexcompanion/internal/archive"
	"github.com/normanking/cortexcompanion/internal/logging"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show archived conversations",
		Long: `Without arguments, list recent sessions. With a session ID, print
that session's transcript and any safety flags raised during it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := archive.Open(cfg.Archive.Path, logging.Nop().Zerolog())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if len(args) == 0 {
				return listSessions(ctx, store, limit)
			}
			return showSession(ctx, store, args[0])
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to list (0 for all)")
	return cmd
}

func listSessions(ctx context.Context, store *archive.Store, limit int) error {
	sessions, err := store.Sessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No archived sessions.")
		return nil
	}

	fmt.Printf("%-36s  %-19s  %-9s  %5s  %5s\n", "SESSION", "STARTED", "DURATION", "TURNS", "FLAGS")
	for _, s := range sessions {
		duration := "active"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%-36s  %-19s  %-9s  %5d  %5d\n",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, s.Turns, s.Flags)
	}
	return nil
}

func showSession(ctx context.Context, store *archive.Store, sessionID string) error {
	turns, err := store.Turns(ctx, sessionID)
	if err != nil {
		return err
	}
	flags, err := store.Flags(ctx, sessionID)
	if err != nil {
		return err
	}

	flagged := make(map[string]string, len(flags))
	for _, f := range flags {
		flagged[f.TurnID] = f.Keyword
	}

	for _, t := range turns {
		marker := ""
		if kw, ok := flagged[t.ID]; ok {
			marker = fmt.Sprintf("  [flagged: %s]", kw)
		}
		fmt.Printf("%s  %-9s  %s%s\n", t.CreatedAt.Local().Format("15:04:05"), t.Speaker, t.Text, marker)
	}
	return nil
}
