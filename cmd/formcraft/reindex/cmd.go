// Package reindexcmd implements `formcraft reindex`.
package reindexcmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"formcraft/api/cmd/formcraft/shared"
	"formcraft/api/internal/search"
)

type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "reindex",
		Short: "Push every form and submission to Meilisearch",
		RunE:  c.run,
	}
	return c
}

func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.ctx.Config()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return errors.New("reindex: MEILI_URL is not set")
	}
	db, err := shared.OpenDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	svc := search.NewService(meili, search.NewPgSearch(db))
	defer svc.Close()
	if !meili.Healthy() {
		return fmt.Errorf("reindex: meilisearch at %s is unreachable", cfg.MeiliURL)
	}

	forms, submissions, err := svc.Reindex(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d forms and %d submissions\n", forms, submissions)
	return nil
}
