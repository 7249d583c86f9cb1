package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sharelift/pkg/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the node configuration",
	}
	cmd.AddCommand(configShowCmd(), configPathCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	var join []string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration a run would use: the file, environment overrides
and defaults merged. The password is masked. Validation problems are
reported after the document.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ApplyJoin(join); err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))

			if err := config.Validate(cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "# invalid: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&join, "join", "j", nil, "this node and a peer to join")
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the default configuration file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.DefaultPath())
		},
	}
}
