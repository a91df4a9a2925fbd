// Package memstore is an in-memory store.Provider with the same
// compare-and-set and completion-hook semantics as the Postgres stores. Each
// WithTx call snapshots the state and restores it when fn fails.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/store"
)

type Store struct {
	mu            sync.Mutex
	jobs          map[int64]*model.Job
	contributions []model.Contribution
	resources     []model.ProjectResource
	feedback      []model.Feedback
	now           func() time.Time
}

func New() *Store {
	return &Store{
		jobs: make(map[int64]*model.Job),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Jobs() store.JobStore                   { return &jobStore{s} }
func (s *Store) Contributions() store.ContributionStore { return &contributionStore{s} }
func (s *Store) Resources() store.ResourceStore         { return &resourceStore{s} }
func (s *Store) Feedback() store.FeedbackStore          { return &feedbackStore{s} }

// WithTx runs fn against the store and rolls every job change back when fn
// returns an error. Calls are not isolated from each other.
func (s *Store) WithTx(_ context.Context, fn func(stores store.Provider) error) error {
	s.mu.Lock()
	snapshot := make(map[int64]*model.Job, len(s.jobs))
	for id, j := range s.jobs {
		snapshot[id] = cloneJob(j)
	}
	contributions := append([]model.Contribution(nil), s.contributions...)
	resources := append([]model.ProjectResource(nil), s.resources...)
	feedback := append([]model.Feedback(nil), s.feedback...)
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.jobs = snapshot
		s.contributions = contributions
		s.resources = resources
		s.feedback = feedback
		s.mu.Unlock()
		return err
	}
	return nil
}

// Snapshot returns copies of every job ordered by id.
func (s *Store) Snapshot() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedJobs(func(*model.Job) bool { return true })
}

func (s *Store) sortedJobs(match func(*model.Job) bool) []*model.Job {
	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if j.ParentJobID != nil {
		v := *j.ParentJobID
		c.ParentJobID = &v
	}
	if j.PrerequisiteJobID != nil {
		v := *j.PrerequisiteJobID
		c.PrerequisiteJobID = &v
	}
	if j.Results != nil {
		r := *j.Results
		r.SpawnedJobIDs = append([]int64(nil), j.Results.SpawnedJobIDs...)
		c.Results = &r
	}
	if j.ErrorDetails != nil {
		v := *j.ErrorDetails
		c.ErrorDetails = &v
	}
	return &c
}

type jobStore struct {
	s *Store
}

func (js *jobStore) GetByID(_ context.Context, id int64) (*model.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	j, ok := js.s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (js *jobStore) List(_ context.Context, filter model.JobFilter) ([]*model.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	out := js.s.sortedJobs(func(j *model.Job) bool { return matchJob(j, filter) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (js *jobStore) InsertBatch(_ context.Context, jobs []*model.Job) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		if _, dup := js.s.jobs[j.ID]; dup {
			return fmt.Errorf("%w: job %d already exists", store.ErrConflict, j.ID)
		}
	}
	now := js.s.now()
	for _, j := range jobs {
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		j.UpdatedAt = now
		js.s.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

func (js *jobStore) Claim(_ context.Context, id int64) (*model.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	j, ok := js.s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != model.JobStatusPending {
		return nil, fmt.Errorf("%w: job %d is %s", store.ErrConflict, id, j.Status)
	}
	now := js.s.now()
	j.Status = model.JobStatusProcessing
	j.AttemptCount++
	j.StartedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (js *jobStore) Transition(_ context.Context, t model.Transition) (*model.Job, error) {
	if t.To.Terminal() {
		return nil, fmt.Errorf("%w: job %d must settle through Complete or Fail", model.ErrInvalidTransition, t.JobID)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	j, ok := js.s.jobs[t.JobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !hasStatus(t.From, j.Status) {
		return nil, fmt.Errorf("%w: job %d is %s", store.ErrConflict, t.JobID, j.Status)
	}

	next := cloneJob(j)
	next.Status = t.To
	if t.PrerequisiteJobID != nil {
		v := *t.PrerequisiteJobID
		next.PrerequisiteJobID = &v
	}
	if t.ClearPrerequisite {
		next.PrerequisiteJobID = nil
	}
	if t.Results != nil {
		next.Results = t.Results
	}
	if t.ErrorDetails != nil {
		next.ErrorDetails = t.ErrorDetails
	}
	if t.ResetAttempts {
		next.AttemptCount = 0
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = js.s.now()
	js.s.jobs[t.JobID] = next
	return cloneJob(next), nil
}

func (js *jobStore) Complete(_ context.Context, id int64, results *model.JobResults) ([]int64, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	if err := js.s.settle(id, model.JobStatusCompleted, []model.JobStatus{
		model.JobStatusProcessing, model.JobStatusWaitingForChildren,
	}, results, nil); err != nil {
		return nil, err
	}
	return js.s.cascade(id), nil
}

func (js *jobStore) Fail(_ context.Context, id int64, errorDetails string) ([]int64, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	if err := js.s.settle(id, model.JobStatusFailed, []model.JobStatus{
		model.JobStatusPending, model.JobStatusProcessing,
		model.JobStatusWaitingForPrerequisite, model.JobStatusWaitingForChildren,
	}, nil, &errorDetails); err != nil {
		return nil, err
	}
	return js.s.cascade(id), nil
}

func (js *jobStore) ReleaseOrphaned(_ context.Context) ([]int64, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	var released []int64
	for _, j := range js.s.sortedJobs(func(j *model.Job) bool { return j.Status == model.JobStatusWaitingForPrerequisite }) {
		prereq, ok := js.s.jobs[*j.PrerequisiteJobID]
		if ok && !prereq.Status.Terminal() {
			continue
		}
		row := js.s.jobs[j.ID]
		row.Status = model.JobStatusPending
		row.UpdatedAt = js.s.now()
		released = append(released, j.ID)
	}
	return released, nil
}

func (js *jobStore) ListStale(_ context.Context, before time.Time, limit int) ([]*model.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	out := js.s.sortedJobs(func(j *model.Job) bool {
		return (j.Status == model.JobStatusPending || j.Status == model.JobStatusProcessing) && j.UpdatedAt.Before(before)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// settle moves one job to a terminal status. Callers hold the lock.
func (s *Store) settle(id int64, to model.JobStatus, from []model.JobStatus, results *model.JobResults, errorDetails *string) error {
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !hasStatus(from, j.Status) {
		return fmt.Errorf("%w: job %d is %s", store.ErrConflict, id, j.Status)
	}
	now := s.now()
	j.Status = to
	j.PrerequisiteJobID = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	if results != nil {
		j.Results = results
	}
	if errorDetails != nil {
		j.ErrorDetails = errorDetails
	}
	return nil
}

// cascade runs the completion hook from a freshly settled job: its waiting
// dependents return to pending and a parent whose children are all terminal
// settles too, recursively. Callers hold the lock.
func (s *Store) cascade(id int64) []int64 {
	var released []int64
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		now := s.now()

		for _, dep := range s.sortedJobs(func(j *model.Job) bool {
			return j.Status == model.JobStatusWaitingForPrerequisite && j.PrerequisiteJobID != nil && *j.PrerequisiteJobID == cur
		}) {
			row := s.jobs[dep.ID]
			row.Status = model.JobStatusPending
			row.UpdatedAt = now
			released = append(released, dep.ID)
		}

		settled := s.jobs[cur]
		if settled.ParentJobID == nil {
			continue
		}
		parent, ok := s.jobs[*settled.ParentJobID]
		if !ok || parent.Status != model.JobStatusWaitingForChildren {
			continue
		}

		var failedChild *int64
		done := true
		for _, child := range s.jobs {
			if child.ParentJobID == nil || *child.ParentJobID != parent.ID {
				continue
			}
			if !child.Status.Terminal() {
				done = false
				break
			}
			if child.Status == model.JobStatusFailed && (failedChild == nil || child.ID < *failedChild) {
				v := child.ID
				failedChild = &v
			}
		}
		if !done {
			continue
		}

		if failedChild != nil {
			details := fmt.Sprintf("child job %d failed", *failedChild)
			_ = s.settle(parent.ID, model.JobStatusFailed, []model.JobStatus{model.JobStatusWaitingForChildren}, nil, &details)
		} else {
			_ = s.settle(parent.ID, model.JobStatusCompleted, []model.JobStatus{model.JobStatusWaitingForChildren}, nil, nil)
		}
		queue = append(queue, parent.ID)
	}
	return released
}

func hasStatus(set []model.JobStatus, s model.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func matchJob(j *model.Job, f model.JobFilter) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, j.ID) {
		return false
	}
	if len(f.JobTypes) > 0 && !containsType(f.JobTypes, j.JobType) {
		return false
	}
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, j.Status) {
		return false
	}
	if f.SessionID != "" && j.SessionID != f.SessionID {
		return false
	}
	if f.StageSlug != "" && j.StageSlug != f.StageSlug {
		return false
	}
	if f.IterationNumber != 0 && j.IterationNumber != f.IterationNumber {
		return false
	}
	if f.ParentJobID != nil && (j.ParentJobID == nil || *j.ParentJobID != *f.ParentJobID) {
		return false
	}
	if f.RecipeStepID != "" && model.StepID(j.Payload) != f.RecipeStepID {
		return false
	}
	if f.ModelID != "" && j.Payload.Context().ModelID != f.ModelID {
		return false
	}
	if f.OutputDocumentKey != "" && !outputsKey(j.Payload, f.OutputDocumentKey) {
		return false
	}
	return true
}

func outputsKey(p model.JobPayload, key string) bool {
	switch v := p.(type) {
	case *model.ExecutePayload:
		return v.DocumentKey == key || v.PlannerMetadata.OutputDocumentKey == key
	case *model.RenderPayload:
		return v.DocumentKey == key || v.PlannerMetadata.OutputDocumentKey == key
	case *model.PlanPayload:
		return v.PlannerMetadata != nil && v.PlannerMetadata.OutputDocumentKey == key
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsType(types []model.JobType, t model.JobType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

type contributionStore struct {
	s *Store
}

func (cs *contributionStore) Create(_ context.Context, c *model.Contribution) error {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = cs.s.now()
	}
	cs.s.contributions = append(cs.s.contributions, *c)
	return nil
}

func (cs *contributionStore) ListContributions(_ context.Context, f model.ContributionFilter) ([]model.Contribution, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	var out []model.Contribution
	for _, c := range cs.s.contributions {
		switch {
		case f.SessionID != "" && c.SessionID != f.SessionID,
			f.IterationNumber != 0 && c.IterationNumber != f.IterationNumber,
			f.StageSlug != "" && c.StageSlug != f.StageSlug,
			f.ModelID != "" && c.ModelID != f.ModelID,
			f.ContributionType != "" && c.ContributionType != f.ContributionType,
			f.LatestEditOnly && !c.IsLatestEdit:
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (cs *contributionStore) GetContributionsByIDs(_ context.Context, ids []string) ([]model.Contribution, error) {
	cs.s.mu.Lock()
	defer cs.s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []model.Contribution
	for _, c := range cs.s.contributions {
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type resourceStore struct {
	s *Store
}

func (rs *resourceStore) Create(_ context.Context, r *model.ProjectResource) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = rs.s.now()
	}
	rs.s.resources = append(rs.s.resources, *r)
	return nil
}

func (rs *resourceStore) ListResources(_ context.Context, f model.ResourceFilter) ([]model.ProjectResource, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	var out []model.ProjectResource
	for _, r := range rs.s.resources {
		switch {
		case f.ProjectID != "" && r.ProjectID != f.ProjectID,
			f.ResourceType != "" && r.ResourceType != f.ResourceType,
			f.StoragePath != "" && strings.Trim(r.Storage.Path, "/") != strings.Trim(f.StoragePath, "/"),
			f.DocumentKey != "" && r.Description.DocumentKey != f.DocumentKey,
			f.SessionID != "" && (r.SessionID == nil || *r.SessionID != f.SessionID),
			f.StageSlug != "" && (r.StageSlug == nil || *r.StageSlug != f.StageSlug),
			f.IterationNumber != 0 && (r.IterationNumber == nil || *r.IterationNumber != f.IterationNumber),
			f.ModelID != "" && r.Description.ModelID != f.ModelID,
			f.SourceContributionID != "" && (r.SourceContributionID == nil || *r.SourceContributionID != f.SourceContributionID):
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type feedbackStore struct {
	s *Store
}

func (fs *feedbackStore) Create(_ context.Context, f *model.Feedback) error {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = fs.s.now()
	}
	fs.s.feedback = append(fs.s.feedback, *f)
	return nil
}

func (fs *feedbackStore) ListFeedback(_ context.Context, f model.FeedbackFilter) ([]model.Feedback, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	var out []model.Feedback
	for _, fb := range fs.s.feedback {
		switch {
		case f.SessionID != "" && fb.SessionID != f.SessionID,
			f.IterationNumber != 0 && fb.IterationNumber != f.IterationNumber,
			f.StageSlug != "" && fb.StageSlug != f.StageSlug,
			f.ModelID != "" && fb.Metadata.ModelID != f.ModelID,
			f.DocumentKey != "" && fb.Metadata.DocumentKey != f.DocumentKey:
			continue
		}
		out = append(out, fb)
	}
	return out, nil
}
