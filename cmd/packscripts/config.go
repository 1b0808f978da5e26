package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/packscripts/internal/config"
)

func configCmd(ui *console, flags *globalFlags) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long: `Print the configuration a command would run with, as YAML.

Defaults, the mode overlay, packscripts.yaml and the environment are
merged exactly as build and start merge them. Nothing is built.

Examples:
  packscripts config
  packscripts config --mode=production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := config.LoadOptions{Dir: flags.dir}
			if mode != "" {
				m, err := config.ParseMode(mode)
				if err != nil {
					return err
				}
				opts.Mode = m
			}
			cfg, err := config.Load(opts)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(ui.out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "development or production (default: NODE_ENV)")

	return cmd
}
