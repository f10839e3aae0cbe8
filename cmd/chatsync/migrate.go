package main

import (
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-sync/internal/app"
	"github.com/tbourn/go-chat-sync/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var legacy, owner string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import a legacy SQLite export into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, closeEnv, err := setup(app.Options{NoEvents: true})
			if err != nil {
				return err
			}
			defer closeEnv()

			p, err := e.app.Migrator.MigrateFile(cmd.Context(), owner, legacy, func(p migrate.Progress) {
				log.Debug().
					Int("threads", p.MigratedThreads).
					Int("total_threads", p.TotalThreads).
					Int("messages", p.MigratedMessages).
					Msg("migration progress")
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "threads %d/%d, messages %d/%d\n",
				p.MigratedThreads, p.TotalThreads, p.MigratedMessages, p.TotalMessages)
			for _, f := range p.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed: %v\n", f)
			}
			if !p.Done() {
				return pkgerrors.Errorf("migration incomplete: %s", p.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&legacy, "legacy", "", "path of the legacy SQLite export")
	cmd.Flags().StringVar(&owner, "owner", "", "user id that receives the migrated threads")
	_ = cmd.MarkFlagRequired("legacy")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete unbound uploads and expired replay keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, closeEnv, err := setup(app.Options{NoEvents: true})
			if err != nil {
				return err
			}
			defer closeEnv()

			if !cmd.Flags().Changed("grace") {
				grace = e.cfg.Attachments.OrphanGrace
			}
			res, err := e.app.Sweep(cmd.Context(), grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphan attachments, %d expired replay keys\n", res.Orphans, res.ReplayKeys)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "minimum age of swept uploads (default ORPHAN_GRACE)")
	return cmd
}
