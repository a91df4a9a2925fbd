package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/common/logger"
	"stagegraph.app/planner/common/otel"
	"stagegraph.app/planner/core/config"
	"stagegraph.app/planner/core/db"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/planner"
	"stagegraph.app/planner/internal/processor"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/recipe"
	"stagegraph.app/planner/internal/store"
	"stagegraph.app/planner/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	consumerName := cfg.Pipeline.RedisConsumer
	if consumerName == "" {
		host, _ := os.Hostname()
		consumerName = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	slog.InfoContext(ctx, "planner worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Pipeline.RedisGroup,
		"consumer_name", consumerName,
		"node_id", cfg.NodeID)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	if cfg.Worker.MigrateOnStart {
		if err := database.Migrate(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "migrations applied")
	}

	catalog, err := recipe.LoadDir(ctx, cfg.Recipes.Dir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load recipes", "error", err, "dir", cfg.Recipes.Dir)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "recipes loaded", "stages", catalog.Stages())

	content, err := store.NewLocalContentStore(cfg.Storage.RootDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open content store", "error", err, "root", cfg.Storage.RootDir)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)

	consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		Stream:       cfg.Pipeline.RedisStream,
		Group:        cfg.Pipeline.RedisGroup,
		Consumer:     consumerName,
		DLQStream:    cfg.Pipeline.RedisDLQStream,
		BatchSize:    cfg.Worker.BatchSize,
		Block:        cfg.Worker.Block,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	producer := queue.NewRedisProducer(redisClient, cfg.Pipeline.RedisStream, slog.Default())
	defer producer.Close()

	stores := store.NewStores(database.Conn())
	txRunner := store.NewTxRunner(database)

	executor := worker.NewStubExecutor(content, cfg.Storage.Bucket)
	handlers := map[model.JobType]worker.Handler{
		model.JobTypePlan:    worker.PlanHandler(processor.New(catalog, planner.New())),
		model.JobTypeExecute: executor,
		model.JobTypeRender:  executor,
	}

	w := worker.New(consumer, producer, txRunner, stores, handlers, worker.Config{
		MaxAttempts:  5,
		ErrorBackoff: time.Second,
	}, worker.WithStatusEmitter(queue.NewStatusPublisher(redisClient)))

	reclaimer := worker.NewReclaimer(consumer, producer, txRunner, stores, w.ProcessMessage, worker.ReclaimerConfig{
		MinIdle:    cfg.Worker.ReclaimMinIdle,
		Interval:   cfg.Worker.ReclaimInterval,
		BatchSize:  10,
		StaleAfter: cfg.Worker.StaleAfter,
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick)
	reclaimer.Stop()

	// Stop worker (may be processing)
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
 ___ _____ _   ___ ___ ___ ___    _   ___ _  _  __      _____  ___ _  _____ ___
/ __|_   _/_\ / __| __/ __| _ \  /_\ | _ \ || | \ \    / / _ \| _ \ |/ / __| _ \
\__ \ | |/ _ \ (_ | _| (_ |   / / _ \|  _/ __ |  \ \/\/ / (_) |   / ' <| _||   /
|___/ |_/_/ \_\___|___\___|_|_\/_/ \_\_| |_||_|   \_/\_/ \___/|_|_\_|\_\___|_|_\
`
