package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stagegraph.app/planner/common/logger"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/processor"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/store"
)

// ErrNoHandler is returned for job types the worker was not configured for.
var ErrNoHandler = errors.New("no handler for job type")

const maxErrorDetails = 2000

type Config struct {
	// MaxAttempts bounds stream redeliveries of a message whose job could not
	// be claimed or settled at all (store outages). Job retries are counted on
	// the job row instead.
	MaxAttempts  int
	ErrorBackoff time.Duration
}

type Worker struct {
	consumer Consumer
	enqueuer Enqueuer
	txRunner store.TxRunner
	stores   store.Provider
	handlers map[model.JobType]Handler
	status   StatusEmitter
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type Option func(*Worker)

func WithStatusEmitter(e StatusEmitter) Option {
	return func(w *Worker) {
		w.status = e
	}
}

func New(consumer Consumer, enqueuer Enqueuer, txRunner store.TxRunner, stores store.Provider, handlers map[model.JobType]Handler, cfg Config, opts ...Option) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	w := &Worker{
		consumer:  consumer,
		enqueuer:  enqueuer,
		txRunner:  txRunner,
		stores:    stores,
		handlers:  handlers,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "planner.worker"})
	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(w.cfg.ErrorBackoff):
				}
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		if err := w.ProcessMessage(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "message processing failed",
				"error", err,
				"message_id", msg.ID,
				"job_id", msg.JobID)
			w.handleFailedMessage(ctx, msg, err)
		}
	}

	return nil
}

// ProcessMessage claims the job named by msg, runs its handler and settles
// the outcome. It returns an error only when the job store could not be
// reached; job failures are recorded on the job row and the message is acked.
// Exported so it can be reused by the reclaimer.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     logger.Ptr(msg.JobID),
		JobType:   logger.Ptr(string(msg.JobType)),
		MessageID: logger.Ptr(msg.ID),
	})

	sc := logger.StartJobSpan(ctx, msg.TraceID, "worker.process_job", logger.JobSpanAttrs{
		JobID:   msg.JobID,
		JobType: string(msg.JobType),
		Attempt: msg.Attempt,
	})
	defer sc.End()
	ctx = sc.Context()

	job, err := w.claim(ctx, msg.JobID)
	if err != nil {
		sc.RecordError(err)
		return err
	}
	if job == nil {
		w.ack(ctx, msg)
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(job.SessionID),
		StageSlug: logger.Ptr(job.StageSlug),
	})
	slog.InfoContext(ctx, "processing job", "attempt", job.AttemptCount, "max_retries", job.MaxRetries)

	start := time.Now()
	outcome, handleErr := w.handle(ctx, job)
	message := ""
	if handleErr != nil {
		sc.RecordError(handleErr)
		message = logger.Truncate(handleErr.Error(), maxErrorDetails)
		outcome, err = w.settleFailure(ctx, job, handleErr)
		if err != nil {
			// The job stays in processing; the stale sweep returns it to pending.
			return fmt.Errorf("settling failed job %d: %w", job.ID, err)
		}
	}

	w.enqueue(ctx, outcome.Enqueue)
	w.ack(ctx, msg)
	w.emit(ctx, job, outcome.Status, message)

	slog.InfoContext(ctx, "job processed",
		"status", outcome.Status,
		"enqueued", len(outcome.Enqueue),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// claim moves the job to processing. A nil job means someone else got there
// first or the message is stale; both are acked and dropped.
func (w *Worker) claim(ctx context.Context, jobID int64) (*model.Job, error) {
	var job *model.Job
	err := w.txRunner.WithTx(ctx, func(sp store.Provider) error {
		claimed, err := sp.Jobs().Claim(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
			slog.InfoContext(ctx, "job not claimable, skipping", "reason", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("claiming job %d: %w", jobID, err)
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// handle runs the job's handler in its own transaction so a failed attempt
// leaves no partial plan behind.
func (w *Worker) handle(ctx context.Context, job *model.Job) (result *processor.Result, err error) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.JobType)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in job handler", "panic", r)
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	err = w.txRunner.WithTx(ctx, func(sp store.Provider) error {
		res, err := handler.Handle(ctx, job, sp)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &processor.Result{Status: model.JobStatusCompleted}, nil
	}
	return result, nil
}

// settleFailure returns the job to pending while it has retries left and the
// error is transient, and fails it otherwise.
func (w *Worker) settleFailure(ctx context.Context, job *model.Job, cause error) (*processor.Result, error) {
	details := logger.Truncate(cause.Error(), maxErrorDetails)
	permanent := isPermanent(cause)

	var result *processor.Result
	err := w.txRunner.WithTx(ctx, func(sp store.Provider) error {
		if !permanent && job.RetriesLeft() {
			if _, err := sp.Jobs().Transition(ctx, model.Transition{
				JobID:        job.ID,
				From:         []model.JobStatus{model.JobStatusProcessing},
				To:           model.JobStatusPending,
				ErrorDetails: &details,
			}); err != nil {
				return fmt.Errorf("returning job to pending: %w", err)
			}
			result = &processor.Result{Status: model.JobStatusPending, Enqueue: []int64{job.ID}}
			return nil
		}

		released, err := sp.Jobs().Fail(ctx, job.ID, details)
		if err != nil {
			return fmt.Errorf("failing job: %w", err)
		}
		result = &processor.Result{Status: model.JobStatusFailed, Enqueue: released}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status == model.JobStatusPending {
		slog.WarnContext(ctx, "job failed, retrying",
			"error", cause,
			"attempt", job.AttemptCount,
			"max_retries", job.MaxRetries)
	} else {
		slog.ErrorContext(ctx, "job failed permanently",
			"error", cause,
			"attempt", job.AttemptCount,
			"permanent", permanent)
	}
	return result, nil
}

// enqueue publishes committed pending jobs. A lost publish is recovered by
// the reclaimer's stale sweep.
func (w *Worker) enqueue(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	jobs, err := w.stores.Jobs().List(ctx, model.JobFilter{
		IDs:      ids,
		Statuses: []model.JobStatus{model.JobStatusPending},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to load jobs for enqueue", "error", err, "job_ids", ids)
		return
	}

	traceID := logger.TraceID(ctx)
	msgs := make([]queue.JobMessage, 0, len(jobs))
	for _, j := range jobs {
		msgs = append(msgs, queue.NewJobMessage(j, traceID))
	}
	if err := w.enqueuer.EnqueueBatch(ctx, msgs); err != nil {
		slog.WarnContext(ctx, "failed to enqueue jobs", "error", err, "job_ids", ids)
	}
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.consumer.Ack(ctx, msg); err != nil {
		// The message will be reclaimed; claiming it again is a no-op.
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
}

func (w *Worker) emit(ctx context.Context, job *model.Job, status model.JobStatus, message string) {
	if w.status == nil {
		return
	}
	w.status.Emit(ctx, queue.StatusEvent{
		JobID:     job.ID,
		JobType:   job.JobType,
		SessionID: job.SessionID,
		StageSlug: job.StageSlug,
		Status:    status,
		Attempt:   job.AttemptCount,
		Message:   message,
	})
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"job_id", msg.JobID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"job_id", msg.JobID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

func isPermanent(err error) bool {
	return processor.IsPermanent(err) || errors.Is(err, ErrNoHandler)
}
