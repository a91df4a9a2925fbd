package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stagegraph.app/planner/internal/model"
)

const statusStreamMaxLen = 2000

// StatusEvent is one job outcome as published on a session's status stream.
type StatusEvent struct {
	JobID     int64
	JobType   model.JobType
	SessionID string
	StageSlug string
	Status    model.JobStatus
	Attempt   int
	Message   string
}

// StatusStreamName is the per-session stream UIs tail for planning progress.
func StatusStreamName(sessionID string) string {
	return fmt.Sprintf("planner-status:session-%s", sessionID)
}

// StatusPublisher appends job outcomes to capped per-session streams.
// Publishing is best effort; the job table stays authoritative.
type StatusPublisher struct {
	client *redis.Client
	now    func() time.Time
}

func NewStatusPublisher(client *redis.Client) *StatusPublisher {
	return &StatusPublisher{client: client, now: time.Now}
}

func (p *StatusPublisher) Emit(ctx context.Context, ev StatusEvent) {
	if p == nil || p.client == nil || ev.SessionID == "" {
		return
	}
	_ = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StatusStreamName(ev.SessionID),
		MaxLen: statusStreamMaxLen,
		Approx: true,
		Values: statusValues(ev, p.now()),
	}).Err()
}

func statusValues(ev StatusEvent, at time.Time) map[string]any {
	values := map[string]any{
		"job_id":     ev.JobID,
		"job_type":   string(ev.JobType),
		"stage_slug": ev.StageSlug,
		"status":     string(ev.Status),
		"attempt":    ev.Attempt,
		"ts":         at.UTC().Format(time.RFC3339Nano),
	}
	if ev.Message != "" {
		values["message"] = ev.Message
	}
	return values
}
