// Package rootcmd wires the root cobra.Command for the formcraft binary.
package rootcmd

import (
	"github.com/spf13/cobra"

	migratecmd "formcraft/api/cmd/formcraft/migrate"
	reindexcmd "formcraft/api/cmd/formcraft/reindex"
	servecmd "formcraft/api/cmd/formcraft/serve"
	"formcraft/api/cmd/formcraft/shared"
)

// New creates the root command. Without a subcommand it serves the API.
func New() *cobra.Command {
	ctx := &shared.Context{}
	serve := servecmd.New(ctx)

	root := &cobra.Command{
		Use:           "formcraft",
		Short:         "Formcraft form builder API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.Cmd().RunE,
	}

	root.PersistentFlags().StringVar(
		&ctx.ConfigPath, "config", "",
		"YAML config file layered over environment variables",
	)

	root.AddCommand(
		serve.Cmd(),
		migratecmd.New(ctx).Cmd(),
		reindexcmd.New(ctx).Cmd(),
	)

	return root
}
