package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bytehot/engine/internal/config"
)

// newValidateConfigCommand loads and validates the config file without
// starting anything, for use in CI or a pre-deploy check (spec §6: an
// unknown key must fail loudly, so this command is how an operator finds
// out before the host is actually running).
func newValidateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Printf("configuration valid: store backend=%s durable=%t workers.pool_size=%d\n",
				cfg.Store.Backend, cfg.IsDurable(), cfg.Workers.PoolSize)
			return nil
		},
	}
}
