package store

import (
	"context"
	"errors"
	"time"

	"stagegraph.app/planner/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set update finds the row in an
// unexpected state.
var ErrConflict = errors.New("job state changed concurrently")

// ErrInvalidRow is returned when a write is rejected by a table constraint.
var ErrInvalidRow = errors.New("row violates a table constraint")

// JobStore defines the contract for job data access. Status changes are
// compare-and-set updates guarded by the expected source statuses.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error)
	InsertBatch(ctx context.Context, jobs []*model.Job) error

	// Claim moves a pending job to processing and counts the attempt.
	Claim(ctx context.Context, id int64) (*model.Job, error)
	Transition(ctx context.Context, t model.Transition) (*model.Job, error)

	// Complete and Fail settle a job and run the completion hook: dependents
	// waiting on it return to pending and parents whose children are all
	// terminal are settled in turn. They return the ids released to pending.
	Complete(ctx context.Context, id int64, results *model.JobResults) ([]int64, error)
	Fail(ctx context.Context, id int64, errorDetails string) ([]int64, error)

	// ReleaseOrphaned returns to pending every waiting job whose prerequisite
	// settled before the wait was committed.
	ReleaseOrphaned(ctx context.Context) ([]int64, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Job, error)
}

// ContributionStore defines the contract for generated contribution access
type ContributionStore interface {
	Create(ctx context.Context, c *model.Contribution) error
	ListContributions(ctx context.Context, filter model.ContributionFilter) ([]model.Contribution, error)
	GetContributionsByIDs(ctx context.Context, ids []string) ([]model.Contribution, error)
}

// ResourceStore defines the contract for project resource access
type ResourceStore interface {
	Create(ctx context.Context, r *model.ProjectResource) error
	ListResources(ctx context.Context, filter model.ResourceFilter) ([]model.ProjectResource, error)
}

// FeedbackStore defines the contract for user feedback access
type FeedbackStore interface {
	Create(ctx context.Context, f *model.Feedback) error
	ListFeedback(ctx context.Context, filter model.FeedbackFilter) ([]model.Feedback, error)
}

// ContentStore reads and writes artifact bodies addressed by StorageRef.
type ContentStore interface {
	Read(ctx context.Context, ref model.StorageRef) ([]byte, error)
	Write(ctx context.Context, ref model.StorageRef, content []byte) (sha256 string, err error)
	Exists(ctx context.Context, ref model.StorageRef) (bool, error)
}

// Provider exposes the stores bound to one connection or transaction.
type Provider interface {
	Jobs() JobStore
	Contributions() ContributionStore
	Resources() ResourceStore
	Feedback() FeedbackStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores Provider) error) error
}
