package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fedbroker/fedbroker/pkg/config"
	"github.com/fedbroker/fedbroker/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Open the order store named in the configuration file and bring its
schema up to date. The serve command migrates on startup too; this
command exists for running migrations ahead of a deploy.`,
		Example: `  fedbroker migrate --config /etc/fedbroker/fedbroker.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("%s: migrations applied\n", cfg.Store.Path)
			return nil
		},
	}
	return cmd
}
