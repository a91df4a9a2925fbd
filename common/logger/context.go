package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// The worker sets them once per message; everything below it logs with the
// job coordinates without passing them around.
type LogFields struct {
	JobID     *int64  // Job being processed
	JobType   *string // PLAN, EXECUTE or RENDER
	SessionID *string
	StageSlug *string
	StepKey   *string // Recipe step of a planned or skeleton job
	MessageID *string // Redis stream message ID
	Component string  // Component name (OTel semantic convention style, e.g., "planner.processor")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.JobID != nil {
		result.JobID = next.JobID
	}
	if next.JobType != nil {
		result.JobType = next.JobType
	}
	if next.SessionID != nil {
		result.SessionID = next.SessionID
	}
	if next.StageSlug != nil {
		result.StageSlug = next.StageSlug
	}
	if next.StepKey != nil {
		result.StepKey = next.StepKey
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Used for error details persisted on failed jobs.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
