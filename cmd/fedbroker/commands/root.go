// Package commands wires the fedbroker CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fedbroker",
		Short: "fedbroker - federated multi-cloud resource broker",
		Long: `fedbroker is one member of a federation of autonomous cloud providers.
It accepts resource orders (compute, network, volume, attachment, public IP)
from local users or from peer members, provisions them against one of its
cloud backends and drives their lifecycle until deletion.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fedbroker.yaml", "config file path")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
