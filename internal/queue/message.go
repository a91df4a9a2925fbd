package queue

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"stagegraph.app/planner/internal/model"
)

// Message is a job notification read from the stream. The job row is the
// source of truth; the message only says which row to look at.
type Message struct {
	ID        string
	JobID     int64
	JobType   model.JobType
	Attempt   int
	TraceID   string
	LastError string
	Raw       redis.XMessage
}

// JobMessage is what producers put on the stream.
type JobMessage struct {
	JobID   int64
	JobType model.JobType
	TraceID string
	Attempt int
}

// NewJobMessage builds the notification for a freshly written job row.
func NewJobMessage(job *model.Job, traceID string) JobMessage {
	return JobMessage{
		JobID:   job.ID,
		JobType: job.JobType,
		TraceID: traceID,
		Attempt: job.AttemptCount + 1,
	}
}

// ParseMessage decodes a stream entry. Malformed entries are rejected so the
// consumer can ack them away instead of looping on them.
func ParseMessage(msg redis.XMessage) (Message, error) {
	jobID, err := parseInt64(msg.Values, "job_id")
	if err != nil {
		return Message{}, err
	}

	jobType, err := parseString(msg.Values, "job_type")
	if err != nil {
		return Message{}, err
	}
	if !model.JobType(jobType).Valid() {
		return Message{}, fmt.Errorf("unknown job_type %q", jobType)
	}

	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt <= 0 {
		attempt = 1
	}

	return Message{
		ID:        msg.ID,
		JobID:     jobID,
		JobType:   model.JobType(jobType),
		Attempt:   attempt,
		TraceID:   parseOptionalString(msg.Values, "trace_id"),
		LastError: parseOptionalString(msg.Values, "last_error"),
		Raw:       msg,
	}, nil
}

func messageValues(msg JobMessage) map[string]any {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	values := map[string]any{
		"job_id":   msg.JobID,
		"job_type": string(msg.JobType),
		"attempt":  attempt,
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}
	return values
}

func (m Message) jobMessage() JobMessage {
	return JobMessage{JobID: m.JobID, JobType: m.JobType, TraceID: m.TraceID, Attempt: m.Attempt}
}

func parseInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}
