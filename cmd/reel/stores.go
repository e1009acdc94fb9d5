package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bnema/reel/config"
	"github.com/bnema/reel/internal/adapter/storage/jsonfile"
	"github.com/bnema/reel/internal/adapter/storage/postgres"
	sqlitestore "github.com/bnema/reel/internal/adapter/storage/sqlite"
	"github.com/bnema/reel/internal/port"
)

// openJobStore opens the configured backend. sqlite and postgres apply
// pending migrations on open.
func openJobStore(ctx context.Context, cfg *config.Config) (port.JobStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	switch cfg.JobStore {
	case config.JobStoreJSONFile:
		return jsonfile.NewStore(cfg.DataDir)
	case config.JobStorePostgres:
		return postgres.NewStore(ctx, postgres.Config{
			DSN:             cfg.PostgresDSN,
			ApplicationName: "reel",
		})
	default:
		return sqlitestore.NewStore(cfg.DataDir)
	}
}
