package main

import (
	"errors"
	"fmt"

	"github.com/rwproxy/rwproxy/internal/config"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var configPath string
	var rulesPath string
	var allowCycles bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile rules and validate configuration without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if configPath == "" && rulesPath == "" {
				return errors.New("either --config or --rules is required")
			}

			var cfg *config.Config
			if configPath != "" {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				if rulesPath == "" {
					rulesPath = cfg.RulesPath()
				}
				allowCycles = allowCycles || cfg.Rules.AllowCycles
			}

			table, err := loadRules(rulesPath, allowCycles)
			if err != nil {
				return err
			}
			if cfg != nil {
				if err := cfg.ValidateFor(table.TLSMode()); err != nil {
					return err
				}
				if _, err := fmt.Fprintln(out, "config ok"); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(out, "rules ok (%d rules, tls: %s)\n", table.Len(), table.TLSMode())
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "Path to rule file (overrides the config)")
	cmd.Flags().BoolVar(&allowCycles, "allow-cycles", false, "Do not fail on rewrite cycles")

	return cmd
}
