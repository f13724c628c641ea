package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/db"
	"github.com/memohai/chatgate/internal/pairing"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Inspect and approve DM pairing requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list [channel]",
		Short: "List pending pairing requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelType := ""
			if len(args) == 1 {
				channelType = strings.ToLower(args[0])
			}
			return withPairingStore(cmd.Context(), func(ctx context.Context, store pairing.Store) error {
				items, err := store.List(ctx, channelType)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "CHANNEL\tSENDER\tCODE\tCREATED\tLAST SEEN")
				for _, req := range items {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						req.Channel,
						senderLabel(req),
						req.Code,
						req.CreatedAt.Local().Format(time.DateTime),
						req.LastSeenAt.Local().Format(time.DateTime),
					)
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pairing code and allow its sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingStore(cmd.Context(), func(ctx context.Context, store pairing.Store) error {
				req, err := store.Approve(ctx, strings.ToLower(args[0]), args[1])
				if errors.Is(err, pairing.ErrNotFound) {
					return fmt.Errorf("no pending request with code %s on %s", strings.ToUpper(args[1]), args[0])
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "approved %s on %s\n", senderLabel(req), req.Channel)
				return nil
			})
		},
	})
	return cmd
}

func senderLabel(req pairing.Request) string {
	if name := strings.TrimSpace(req.Meta["username"]); name != "" {
		return req.SenderID + " (" + name + ")"
	}
	return req.SenderID
}

// withPairingStore opens the Postgres-backed store. The in-memory store only
// lives inside a running server, which is reachable through the HTTP API.
func withPairingStore(ctx context.Context, fn func(context.Context, pairing.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Postgres.Enabled {
		return errors.New("pairing commands need postgres; with in-memory storage use POST /pairing/:channel/approve on the running server")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Migrate(cfg.Postgres); err != nil {
		return err
	}
	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := pairing.NewPostgresStore(pool, pairing.Options{
		TTL:        config.ParseDuration(cfg.Pairing.TTL, pairing.DefaultTTL),
		MaxPending: cfg.Pairing.MaxPending,
	})
	return fn(ctx, store)
}
