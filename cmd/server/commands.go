package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kneutral-org/user-registry/internal/lock"
	"github.com/kneutral-org/user-registry/internal/user"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			pg, ok := store.(*user.PostgresStore)
			if !ok {
				return fmt.Errorf("migrate requires the postgres backend, got %q", a.cfg.StoreBackend)
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info().Msg("schema is up to date")
			return nil
		},
	}
}

// newLockCmd returns the lock command group. It runs the same lock manager as
// the API against the configured store, so an operator can release a lock
// left behind by a holder that crashed.
func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire or release a user lock",
	}

	acquireCmd := &cobra.Command{
		Use:   "acquire [user-id]",
		Short: "Acquire the lock on a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLock(cmd, args[0], (*lock.Manager).Acquire)
		},
	}
	releaseCmd := &cobra.Command{
		Use:   "release [user-id]",
		Short: "Release the lock on a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLock(cmd, args[0], (*lock.Manager).Release)
		},
	}

	cmd.AddCommand(acquireCmd, releaseCmd)
	return cmd
}

type lockFunc func(m *lock.Manager, ctx context.Context, id uuid.UUID) (*user.User, error)

func (a *app) runLock(cmd *cobra.Command, rawID string, op lockFunc) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", rawID, err)
	}

	store, err := openStore(cmd.Context(), a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	u, err := op(lock.NewManager(store, a.logger), cmd.Context(), id)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
