package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"scrapesched/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config file helpers",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Parse and validate the config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := config.NewConfigManager(cfgPath)
		cfg, err := m.Load()
		if err != nil {
			return err
		}
		active := 0
		for _, u := range cfg.SearchUnits {
			if u.IsActive() {
				active++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d search units, %d active)\n", m.Path(), len(cfg.SearchUnits), active)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
}
