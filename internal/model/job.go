package model

import (
	"fmt"
	"time"
)

type (
	JobType   string
	JobStatus string
)

const (
	JobTypePlan    JobType = "PLAN"
	JobTypeExecute JobType = "EXECUTE"
	JobTypeRender  JobType = "RENDER"
)

const (
	JobStatusPending                JobStatus = "pending"
	JobStatusProcessing             JobStatus = "processing"
	JobStatusWaitingForPrerequisite JobStatus = "waiting_for_prerequisite"
	JobStatusWaitingForChildren     JobStatus = "waiting_for_children"
	JobStatusCompleted              JobStatus = "completed"
	JobStatusFailed                 JobStatus = "failed"
)

const DefaultMaxRetries = 3

func (t JobType) Valid() bool {
	switch t {
	case JobTypePlan, JobTypeExecute, JobTypeRender:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusWaitingForPrerequisite,
		JobStatusWaitingForChildren, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// LiveStatuses are the statuses of jobs that may still produce output.
var LiveStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusWaitingForPrerequisite,
	JobStatusWaitingForChildren,
}

// Job is a unit of schedulable work persisted in the job store.
type Job struct {
	ID                int64       `json:"id"`
	ParentJobID       *int64      `json:"parent_job_id,omitempty"`
	PrerequisiteJobID *int64      `json:"prerequisite_job_id,omitempty"`
	SessionID         string      `json:"session_id"`
	StageSlug         string      `json:"stage_slug"`
	IterationNumber   int         `json:"iteration_number"`
	JobType           JobType     `json:"job_type"`
	Status            JobStatus   `json:"status"`
	Payload           JobPayload  `json:"payload"`
	Results           *JobResults `json:"results,omitempty"`
	AttemptCount      int         `json:"attempt_count"`
	MaxRetries        int         `json:"max_retries"`
	ErrorDetails      *string     `json:"error_details,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

// JobResults is the structured output of a job. Skeleton PLAN jobs use it to
// record what they are waiting for.
type JobResults struct {
	RequiredArtifactIdentity *RequiredArtifactIdentity `json:"required_artifact_identity,omitempty"`
	SpawnedJobIDs            []int64                   `json:"spawned_job_ids,omitempty"`
}

// IsDeferred reports whether the job is a skeleton resuming after its
// prerequisite finished.
func (j *Job) IsDeferred() bool {
	return j.JobType == JobTypePlan && j.PrerequisiteJobID != nil
}

// RetriesLeft reports whether another attempt is allowed after the current one.
func (j *Job) RetriesLeft() bool {
	return j.AttemptCount < j.MaxRetries
}

// Validate checks the row-level invariants of a job.
func (j *Job) Validate() error {
	if !j.JobType.Valid() {
		return fmt.Errorf("job %d: invalid job type %q", j.ID, j.JobType)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("job %d: invalid status %q", j.ID, j.Status)
	}
	if j.Payload == nil {
		return fmt.Errorf("job %d: missing payload", j.ID)
	}
	if j.Payload.Type() != j.JobType {
		return fmt.Errorf("job %d: payload type %s does not match job type %s", j.ID, j.Payload.Type(), j.JobType)
	}
	if err := validatePrerequisiteLink(j.Status, j.PrerequisiteJobID); err != nil {
		return fmt.Errorf("job %d: %w", j.ID, err)
	}
	return nil
}

// validatePrerequisiteLink enforces that a waiting job always points at its
// blocker. The link survives the completion hook's flip back to pending so the
// processor can recognise deferred planning; every other status must carry no link.
func validatePrerequisiteLink(status JobStatus, prerequisite *int64) error {
	switch status {
	case JobStatusWaitingForPrerequisite:
		if prerequisite == nil {
			return ErrMissingPrerequisite
		}
	case JobStatusPending, JobStatusProcessing:
	default:
		if prerequisite != nil {
			return fmt.Errorf("%w: status %s", ErrUnexpectedPrerequisite, status)
		}
	}
	return nil
}
