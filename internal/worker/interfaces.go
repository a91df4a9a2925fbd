package worker

import (
	"context"

	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/processor"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/store"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Enqueuer publishes runnable jobs once their rows are committed.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, msgs []queue.JobMessage) error
}

// StatusEmitter publishes job outcomes for observers. Optional.
type StatusEmitter interface {
	Emit(ctx context.Context, ev queue.StatusEvent)
}

// Handler runs one claimed job inside a transaction. It must leave the job
// out of processing (settled, waiting, or back to pending via retry by the
// worker) and report which jobs became runnable.
type Handler interface {
	Handle(ctx context.Context, job *model.Job, sp store.Provider) (*processor.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.Job, sp store.Provider) (*processor.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, sp store.Provider) (*processor.Result, error) {
	return f(ctx, job, sp)
}

// PlanHandler routes PLAN jobs to the complex job processor.
func PlanHandler(p *processor.Processor) Handler {
	return HandlerFunc(p.Process)
}
