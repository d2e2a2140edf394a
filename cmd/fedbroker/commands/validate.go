package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fedbroker/fedbroker/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Load the configuration file, apply defaults and run every validation
the serve command would run, without starting anything.`,
		Example: `  # Validate the default config file
  fedbroker validate

  # Validate a specific file
  fedbroker validate --config /etc/fedbroker/fedbroker.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: configuration valid (member %s, %d clouds)\n",
				configPath, cfg.Member.ID, len(cfg.Clouds))
			return nil
		},
	}
	return cmd
}
