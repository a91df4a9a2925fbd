package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("invalid job status transition")
	ErrMissingPrerequisite    = errors.New("waiting_for_prerequisite requires a prerequisite job")
	ErrUnexpectedPrerequisite = errors.New("prerequisite job set outside of deferred planning")
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {
		JobStatusProcessing,
		JobStatusFailed,
	},
	JobStatusProcessing: {
		JobStatusPending, // retry
		JobStatusWaitingForPrerequisite,
		JobStatusWaitingForChildren,
		JobStatusCompleted,
		JobStatusFailed,
	},
	JobStatusWaitingForPrerequisite: {
		JobStatusPending, // prerequisite finished
		JobStatusFailed,
	},
	JobStatusWaitingForChildren: {
		JobStatusCompleted,
		JobStatusFailed,
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition describes a compare-and-set status update on a single job row.
// The update applies only while the row is in one of From.
type Transition struct {
	JobID int64
	From  []JobStatus
	To    JobStatus

	// PrerequisiteJobID replaces the prerequisite link when set.
	PrerequisiteJobID *int64
	// ClearPrerequisite nulls the link. Mutually exclusive with PrerequisiteJobID.
	ClearPrerequisite bool

	Results       *JobResults
	ErrorDetails  *string
	ResetAttempts bool
}

// Validate checks the transition against the status table and the
// prerequisite-link invariant of the resulting row.
func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return fmt.Errorf("%w: no source status for job %d", ErrInvalidTransition, t.JobID)
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return fmt.Errorf("%w: %s -> %s (job %d)", ErrInvalidTransition, from, t.To, t.JobID)
		}
	}
	if t.PrerequisiteJobID != nil && t.ClearPrerequisite {
		return fmt.Errorf("%w: job %d sets and clears its prerequisite", ErrInvalidTransition, t.JobID)
	}

	switch t.To {
	case JobStatusWaitingForPrerequisite:
		if t.PrerequisiteJobID == nil {
			return ErrMissingPrerequisite
		}
	case JobStatusWaitingForChildren, JobStatusCompleted, JobStatusFailed:
		if !t.ClearPrerequisite {
			return fmt.Errorf("%w: moving job %d to %s must clear its prerequisite", ErrUnexpectedPrerequisite, t.JobID, t.To)
		}
	}
	return nil
}
