package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"stagegraph.app/planner/common/logger"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/store"
)

// StreamClaimer takes over stream entries left pending by dead consumers.
type StreamClaimer interface {
	Claim(ctx context.Context, minIdle time.Duration, count int64) ([]redis.XMessage, error)
	Ack(ctx context.Context, msg queue.Message) error
}

type ReclaimerConfig struct {
	MinIdle    time.Duration
	Interval   time.Duration
	BatchSize  int64
	StaleAfter time.Duration
}

// Reclaimer recovers work lost between steps that cannot share a transaction:
// a worker dying after XREADGROUP but before XACK, a job committed but never
// enqueued, and a skeleton whose prerequisite settled before the skeleton's
// wait was committed.
type Reclaimer struct {
	claimer   StreamClaimer
	enqueuer  Enqueuer
	txRunner  store.TxRunner
	stores    store.Provider
	processor queue.MessageProcessor
	cfg       ReclaimerConfig
	now       func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(claimer StreamClaimer, enqueuer Enqueuer, txRunner store.TxRunner, stores store.Provider, processor queue.MessageProcessor, cfg ReclaimerConfig) *Reclaimer {
	return &Reclaimer{
		claimer:   claimer,
		enqueuer:  enqueuer,
		txRunner:  txRunner,
		stores:    stores,
		processor: processor,
		cfg:       cfg,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "planner.worker.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stale_after", r.cfg.StaleAfter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			r.ReclaimOnce(ctx)
		}
	}
}

// Stop signals the reclaimer to stop gracefully.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// ReclaimOnce runs one full cycle. Each phase logs its own failure so one
// broken phase does not starve the others.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) {
	if err := r.reclaimMessages(ctx); err != nil {
		slog.ErrorContext(ctx, "reclaiming stream messages failed", "error", err)
	}
	if err := r.releaseOrphaned(ctx); err != nil {
		slog.ErrorContext(ctx, "releasing orphaned skeletons failed", "error", err)
	}
	if err := r.recoverStale(ctx); err != nil {
		slog.ErrorContext(ctx, "recovering stale jobs failed", "error", err)
	}
}

func (r *Reclaimer) reclaimMessages(ctx context.Context) error {
	if r.claimer == nil {
		return nil
	}
	messages, err := r.claimer.Claim(ctx, r.cfg.MinIdle, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(messages) > 0 {
		slog.InfoContext(ctx, "claimed stale pending messages", "count", len(messages))
	}

	for _, raw := range messages {
		msgCtx := logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(raw.ID)})

		parsed, err := queue.ParseMessage(raw)
		if err != nil {
			slog.ErrorContext(msgCtx, "failed to parse reclaimed message, acknowledging to prevent loop",
				"error", err)
			_ = r.claimer.Ack(msgCtx, queue.Message{ID: raw.ID, Raw: raw})
			continue
		}

		start := time.Now()
		if err := r.processor(msgCtx, parsed); err != nil {
			slog.ErrorContext(msgCtx, "failed to process reclaimed message", "error", err)
			continue
		}
		slog.InfoContext(msgCtx, "reclaimed message processed",
			"duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (r *Reclaimer) releaseOrphaned(ctx context.Context) error {
	var released []int64
	err := r.txRunner.WithTx(ctx, func(sp store.Provider) error {
		ids, err := sp.Jobs().ReleaseOrphaned(ctx)
		released = ids
		return err
	})
	if err != nil {
		return fmt.Errorf("release orphaned: %w", err)
	}
	if len(released) > 0 {
		slog.WarnContext(ctx, "released skeletons whose prerequisite already settled", "job_ids", released)
		r.enqueue(ctx, released)
	}
	return nil
}

// recoverStale re-enqueues pending jobs nobody picked up and returns jobs
// stuck in processing to pending, or fails them when out of retries.
func (r *Reclaimer) recoverStale(ctx context.Context) error {
	if r.cfg.StaleAfter <= 0 {
		return nil
	}
	stale, err := r.stores.Jobs().ListStale(ctx, r.now().Add(-r.cfg.StaleAfter), int(r.cfg.BatchSize))
	if err != nil {
		return fmt.Errorf("list stale: %w", err)
	}

	var enqueue []int64
	for _, job := range stale {
		jobCtx := logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(job.ID)})

		if job.Status == model.JobStatusPending {
			enqueue = append(enqueue, job.ID)
			continue
		}

		ids, err := r.resetProcessing(jobCtx, job)
		if err != nil {
			slog.WarnContext(jobCtx, "failed to reset stale job", "error", err)
			continue
		}
		enqueue = append(enqueue, ids...)
	}

	if len(enqueue) > 0 {
		slog.InfoContext(ctx, "re-enqueueing stale jobs", "count", len(enqueue))
		r.enqueue(ctx, enqueue)
	}
	return nil
}

func (r *Reclaimer) resetProcessing(ctx context.Context, job *model.Job) ([]int64, error) {
	var enqueue []int64
	err := r.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if job.RetriesLeft() {
			details := "worker lost while processing"
			if _, err := sp.Jobs().Transition(ctx, model.Transition{
				JobID:        job.ID,
				From:         []model.JobStatus{model.JobStatusProcessing},
				To:           model.JobStatusPending,
				ErrorDetails: &details,
			}); err != nil {
				return err
			}
			enqueue = []int64{job.ID}
			return nil
		}
		released, err := sp.Jobs().Fail(ctx, job.ID, "worker lost while processing; out of retries")
		enqueue = released
		return err
	})
	return enqueue, err
}

func (r *Reclaimer) enqueue(ctx context.Context, ids []int64) {
	jobs, err := r.stores.Jobs().List(ctx, model.JobFilter{
		IDs:      ids,
		Statuses: []model.JobStatus{model.JobStatusPending},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to load jobs for enqueue", "error", err)
		return
	}
	msgs := make([]queue.JobMessage, 0, len(jobs))
	for _, j := range jobs {
		msgs = append(msgs, queue.NewJobMessage(j, ""))
	}
	if err := r.enqueuer.EnqueueBatch(ctx, msgs); err != nil {
		slog.WarnContext(ctx, "failed to enqueue jobs", "error", err)
	}
}
