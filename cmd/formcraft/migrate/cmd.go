// Package migratecmd implements `formcraft migrate`.
package migratecmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"formcraft/api/cmd/formcraft/shared"
	"formcraft/api/internal/store"
)

type Command struct {
	ctx      *shared.Context
	cmd      *cobra.Command
	rollback int
}

func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  c.run,
	}
	c.cmd.Flags().IntVar(&c.rollback, "rollback", 0, "roll back this many applied migrations instead")
	return c
}

func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if c.rollback > 0 {
		versions, err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir, c.rollback)
		if err != nil {
			return err
		}
		for _, version := range versions {
			fmt.Fprintf(out, "rolled back %s\n", version)
		}
		return nil
	}

	versions, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(out, "Database is up to date.")
		return nil
	}
	for _, version := range versions {
		fmt.Fprintf(out, "applied %s\n", version)
	}
	return nil
}
