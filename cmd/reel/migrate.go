package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/reel/config"
	"github.com/bnema/reel/internal/infrastructure/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply job store migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			l := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

			store, err := openJobStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("close job store: %w", err)
			}
			l.Info("migrations applied", "store", cfg.JobStore)
			return nil
		},
	}
}
