package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/core/config"
	"stagegraph.app/planner/core/db"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/recipe"
	"stagegraph.app/planner/internal/service"
	"stagegraph.app/planner/internal/store"
)

func planStage(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := id.Init(cfg.NodeID); err != nil {
		return fmt.Errorf("initializing id generator: %w", err)
	}

	catalog, err := recipe.LoadDir(ctx, recipesDir)
	if err != nil {
		return fmt.Errorf("loading recipes: %w", err)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	producer := queue.NewRedisProducer(redisClient, cfg.Pipeline.RedisStream, slog.Default())
	svc := service.NewJobService(store.NewStores(database.Conn()), store.NewTxRunner(database), catalog, producer, cfg.Worker.MaxRetries, slog.Default())

	job, err := svc.PlanStage(ctx, service.StagePlanParams{
		ProjectID:       planProject,
		SessionID:       planSession,
		StageSlug:       planStageSlug,
		IterationNumber: planIteration,
		ModelID:         planModelID,
		ModelName:       planModelName,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "root PLAN job %d enqueued for %s/%s iteration %d\n", job.ID, planSession, planStageSlug, planIteration)
	return nil
}
