package main

import (
	"context"
	"fmt"
	"log/slog"

	"stagegraph.app/planner/core/config"
	"stagegraph.app/planner/core/db"
)

func runMigrations(ctx context.Context) error {
	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "migrations applied")
	return nil
}
