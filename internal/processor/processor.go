// Package processor plans PLAN jobs: it expands ready recipe steps into
// concrete jobs and parks the rest as skeleton jobs chained to whichever job
// will produce their missing input.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/common/logger"
	"stagegraph.app/planner/internal/blocker"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/recipe"
	"stagegraph.app/planner/internal/resolver"
	"stagegraph.app/planner/internal/store"
)

var (
	ErrNotPlanJob = errors.New("job is not a PLAN job")
	// ErrNoBlocker marks a missing input that no live job will produce.
	ErrNoBlocker = errors.New("no job will produce the missing input")
)

// Resolver resolves a step's input rules into source documents.
type Resolver interface {
	Resolve(ctx context.Context, rules []model.InputRule, jc model.JobContext) ([]model.SourceDocument, error)
}

// BlockerFinder locates the live job expected to produce an artifact.
type BlockerFinder interface {
	FindNextBlocker(ctx context.Context, missing model.RequiredArtifactIdentity) (*model.Job, error)
}

// StepPlanner is the stage planning function.
type StepPlanner interface {
	Plan(ctx context.Context, parent *model.Job, step model.RecipeStep, docs []model.SourceDocument) ([]*model.Job, error)
}

// Result reports where the processed job ended up and which jobs became
// runnable. Enqueue is only meaningful once the transaction commits.
type Result struct {
	Status  model.JobStatus
	Enqueue []int64
}

type Processor struct {
	recipes     recipe.Source
	planner     StepPlanner
	newResolver func(sp store.Provider) Resolver
	newBlockers func(sp store.Provider) BlockerFinder
	newID       func() int64
}

type Option func(*Processor)

func WithResolverFactory(fn func(sp store.Provider) Resolver) Option {
	return func(p *Processor) {
		p.newResolver = fn
	}
}

func WithBlockerFactory(fn func(sp store.Provider) BlockerFinder) Option {
	return func(p *Processor) {
		p.newBlockers = fn
	}
}

func WithIDs(newID func() int64) Option {
	return func(p *Processor) {
		p.newID = newID
	}
}

func New(recipes recipe.Source, planner StepPlanner, opts ...Option) *Processor {
	p := &Processor{
		recipes: recipes,
		planner: planner,
		newResolver: func(sp store.Provider) Resolver {
			return resolver.New(sp.Contributions(), sp.Resources(), sp.Feedback())
		},
		newBlockers: func(sp store.Provider) BlockerFinder {
			return blocker.New(sp.Jobs())
		},
		newID: id.New,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run carries the collaborators of one Process call, all bound to the
// caller's transaction.
type run struct {
	*Processor
	job      *model.Job
	payload  *model.PlanPayload
	graph    *recipe.Graph
	jobs     store.JobStore
	resolver Resolver
	blockers BlockerFinder
}

// Process plans a claimed PLAN job. The job must be in processing; on success
// it leaves processing for waiting_for_children, waiting_for_prerequisite or
// completed. Every write goes through sp, so the caller decides atomicity.
func (p *Processor) Process(ctx context.Context, job *model.Job, sp store.Provider) (*Result, error) {
	payload, ok := job.Payload.(*model.PlanPayload)
	if !ok || job.JobType != model.JobTypePlan {
		return nil, fmt.Errorf("%w: job %d is %s", ErrNotPlanJob, job.ID, job.JobType)
	}

	graph, err := p.recipes.ForStage(ctx, job.StageSlug)
	if err != nil {
		return nil, err
	}

	r := &run{
		Processor: p,
		job:       job,
		payload:   payload,
		graph:     graph,
		jobs:      sp.Jobs(),
		resolver:  p.newResolver(sp),
		blockers:  p.newBlockers(sp),
	}

	switch {
	case job.IsDeferred():
		return r.resume(ctx)
	case payload.IsSkeleton():
		step, err := r.skeletonStep()
		if err != nil {
			return nil, err
		}
		return r.planSteps(ctx, []model.RecipeStep{step})
	default:
		return r.planSteps(ctx, graph.Steps())
	}
}

// planSteps is a fresh planning pass: ready steps are expanded into pending
// jobs, blocked steps get a skeleton chained to their blocker.
func (r *run) planSteps(ctx context.Context, steps []model.RecipeStep) (*Result, error) {
	jc := r.payload.Context()
	var enqueue, spawned []int64

	for _, step := range steps {
		stepCtx := logger.WithLogFields(ctx, logger.LogFields{StepKey: logger.Ptr(step.StepKey)})

		planned, err := r.hasJobForStep(stepCtx, step)
		if err != nil {
			return nil, err
		}
		if planned {
			slog.DebugContext(stepCtx, "step already planned, skipping")
			continue
		}

		docs, err := r.resolver.Resolve(stepCtx, step.InputsRequired, jc)
		if err == nil {
			children, err := r.expand(stepCtx, step, docs)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				enqueue = append(enqueue, c.ID)
				spawned = append(spawned, c.ID)
			}
			continue
		}

		var missing *resolver.MissingRequiredInputError
		if !errors.As(err, &missing) {
			return nil, err
		}

		identity, err := r.identityFor(step, missing.Rule)
		if err != nil {
			return nil, err
		}
		blockerJob, err := r.blockers.FindNextBlocker(stepCtx, identity)
		if err != nil {
			return nil, err
		}
		if blockerJob == nil || blockerJob.ID == r.job.ID {
			return nil, fmt.Errorf("step %s: %w: %w", step.StepKey, ErrNoBlocker, missing)
		}

		skeleton := r.newSkeleton(step, blockerJob.ID, identity)
		if err := r.jobs.InsertBatch(stepCtx, []*model.Job{skeleton}); err != nil {
			return nil, fmt.Errorf("inserting skeleton for step %s: %w", step.StepKey, err)
		}
		spawned = append(spawned, skeleton.ID)

		slog.InfoContext(stepCtx, "step waiting for prerequisite",
			"skeleton_job_id", skeleton.ID,
			"prerequisite_job_id", blockerJob.ID,
			"missing_document_key", identity.DocumentKey)
	}

	if len(spawned) == 0 {
		released, err := r.jobs.Complete(ctx, r.job.ID, &model.JobResults{})
		if err != nil {
			return nil, fmt.Errorf("completing job %d: %w", r.job.ID, err)
		}
		slog.InfoContext(ctx, "nothing left to plan, job completed")
		return &Result{Status: model.JobStatusCompleted, Enqueue: released}, nil
	}

	if _, err := r.jobs.Transition(ctx, model.Transition{
		JobID:             r.job.ID,
		From:              []model.JobStatus{model.JobStatusProcessing},
		To:                model.JobStatusWaitingForChildren,
		ClearPrerequisite: true,
		Results:           r.resultsWith(spawned),
	}); err != nil {
		return nil, fmt.Errorf("moving job %d to waiting_for_children: %w", r.job.ID, err)
	}

	slog.InfoContext(ctx, "planning pass finished",
		"spawned_count", len(spawned),
		"runnable_count", len(enqueue))

	return &Result{Status: model.JobStatusWaitingForChildren, Enqueue: enqueue}, nil
}

// resume re-attempts planning for a skeleton whose prerequisite settled.
func (r *run) resume(ctx context.Context) (*Result, error) {
	step, err := r.skeletonStep()
	if err != nil {
		return nil, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{StepKey: logger.Ptr(step.StepKey)})
	previous := *r.job.PrerequisiteJobID

	docs, resolveErr := r.resolver.Resolve(ctx, step.InputsRequired, r.payload.Context())
	if resolveErr == nil {
		children, err := r.expand(ctx, step, docs)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(children))
		for _, c := range children {
			ids = append(ids, c.ID)
		}

		if len(ids) == 0 {
			released, err := r.jobs.Complete(ctx, r.job.ID, r.resultsWith(nil))
			if err != nil {
				return nil, fmt.Errorf("completing skeleton %d: %w", r.job.ID, err)
			}
			slog.InfoContext(ctx, "deferred step produced no jobs, skeleton completed",
				"previous_prerequisite_job_id", previous)
			return &Result{Status: model.JobStatusCompleted, Enqueue: released}, nil
		}

		if _, err := r.jobs.Transition(ctx, model.Transition{
			JobID:             r.job.ID,
			From:              []model.JobStatus{model.JobStatusProcessing},
			To:                model.JobStatusWaitingForChildren,
			ClearPrerequisite: true,
			Results:           r.resultsWith(ids),
		}); err != nil {
			return nil, fmt.Errorf("moving skeleton %d to waiting_for_children: %w", r.job.ID, err)
		}

		slog.InfoContext(ctx, "deferred step planned",
			"previous_prerequisite_job_id", previous,
			"spawned_count", len(ids))
		return &Result{Status: model.JobStatusWaitingForChildren, Enqueue: ids}, nil
	}

	var missing *resolver.MissingRequiredInputError
	if !errors.As(resolveErr, &missing) {
		return nil, resolveErr
	}

	identity, err := r.identityFor(step, missing.Rule)
	if err != nil {
		return nil, err
	}
	next, err := r.blockers.FindNextBlocker(ctx, identity)
	if err != nil {
		return nil, err
	}
	if next == nil || next.ID == previous || next.ID == r.job.ID {
		return nil, resolveErr
	}

	prerequisite := next.ID
	if _, err := r.jobs.Transition(ctx, model.Transition{
		JobID:             r.job.ID,
		From:              []model.JobStatus{model.JobStatusProcessing},
		To:                model.JobStatusWaitingForPrerequisite,
		PrerequisiteJobID: &prerequisite,
		Results:           &model.JobResults{RequiredArtifactIdentity: &identity},
		ResetAttempts:     true,
	}); err != nil {
		return nil, fmt.Errorf("re-chaining skeleton %d: %w", r.job.ID, err)
	}

	slog.InfoContext(ctx, "skeleton re-chained",
		"previous_prerequisite_job_id", previous,
		"prerequisite_job_id", next.ID,
		"missing_document_key", identity.DocumentKey)
	return &Result{Status: model.JobStatusWaitingForPrerequisite}, nil
}

func (r *run) expand(ctx context.Context, step model.RecipeStep, docs []model.SourceDocument) ([]*model.Job, error) {
	children, err := r.planner.Plan(ctx, r.job, step, docs)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	if err := r.jobs.InsertBatch(ctx, children); err != nil {
		return nil, fmt.Errorf("inserting jobs for step %s: %w", step.StepKey, err)
	}
	return children, nil
}

func (r *run) skeletonStep() (model.RecipeStep, error) {
	if r.payload.PlannerMetadata == nil {
		return model.RecipeStep{}, fmt.Errorf("%w: job %d has a prerequisite but no planner_metadata",
			model.ErrInvalidPayload, r.job.ID)
	}
	step, err := r.graph.Step(r.payload.PlannerMetadata.RecipeStepID)
	if err != nil {
		return model.RecipeStep{}, fmt.Errorf("%w: %w", recipe.ErrMalformedRecipe, err)
	}
	return step, nil
}

// hasJobForStep reports whether another job already covers step for this
// model: a live job means planning or waiting is underway, a completed one
// means the output exists. Failed jobs do not count.
func (r *run) hasJobForStep(ctx context.Context, step model.RecipeStep) (bool, error) {
	jc := r.payload.Context()
	existing, err := r.jobs.List(ctx, model.JobFilter{
		Statuses:        append(append([]model.JobStatus{}, model.LiveStatuses...), model.JobStatusCompleted),
		SessionID:       r.job.SessionID,
		StageSlug:       r.job.StageSlug,
		IterationNumber: r.job.IterationNumber,
		RecipeStepID:    step.ID,
		ModelID:         jc.ModelID,
	})
	if err != nil {
		return false, fmt.Errorf("listing jobs for step %s: %w", step.StepKey, err)
	}
	for _, j := range existing {
		if j.ID != r.job.ID && j.Status != model.JobStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

// identityFor builds the coordinates of the artifact rule is missing.
// Intra-stage inputs are attributed to their producing step; inputs from
// other stages are looked up directly in the producing stage.
func (r *run) identityFor(step model.RecipeStep, rule model.InputRule) (model.RequiredArtifactIdentity, error) {
	jc := r.payload.Context()
	identity := model.RequiredArtifactIdentity{
		ProjectID:       jc.ProjectID,
		SessionID:       r.job.SessionID,
		StageSlug:       r.job.StageSlug,
		IterationNumber: r.job.IterationNumber,
		DocumentKey:     rule.Key(),
		InputType:       rule.Type,
	}
	if identity.DocumentKey == "" {
		return identity, fmt.Errorf("step %s: %w: %s input has no document key", step.StepKey, ErrNoBlocker, rule.Type)
	}

	if r.graph.IsIntraStage(rule) {
		producer, err := r.graph.ProducerOf(identity.DocumentKey)
		if err != nil {
			return identity, fmt.Errorf("%w: step %s: %w", recipe.ErrMalformedRecipe, step.StepKey, err)
		}
		identity.ModelID = jc.ModelID
		identity.BranchKey = producer.BranchKey
		identity.ParallelGroup = producer.ParallelGroup
		return identity, nil
	}

	if !rule.AnyStage() {
		identity.StageSlug = rule.Slug
	}
	if rule.Type == model.InputTypeHeaderContext {
		identity.ModelID = jc.ModelID
	}
	return identity, nil
}

func (r *run) newSkeleton(step model.RecipeStep, prerequisite int64, identity model.RequiredArtifactIdentity) *model.Job {
	parentID := r.job.ID
	meta := step.Metadata()
	return &model.Job{
		ID:                r.newID(),
		ParentJobID:       &parentID,
		PrerequisiteJobID: &prerequisite,
		SessionID:         r.job.SessionID,
		StageSlug:         r.job.StageSlug,
		IterationNumber:   r.job.IterationNumber,
		JobType:           model.JobTypePlan,
		Status:            model.JobStatusWaitingForPrerequisite,
		Payload: &model.PlanPayload{
			JobContext:      r.payload.Context(),
			PlannerMetadata: &meta,
			StepInfo:        model.StepInfo{CurrentStep: 1, TotalSteps: 1},
		},
		Results:    &model.JobResults{RequiredArtifactIdentity: &identity},
		MaxRetries: r.job.MaxRetries,
	}
}

func (r *run) resultsWith(spawned []int64) *model.JobResults {
	results := &model.JobResults{SpawnedJobIDs: spawned}
	if r.job.Results != nil {
		results.RequiredArtifactIdentity = r.job.Results.RequiredArtifactIdentity
	}
	return results
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, recipe.ErrMalformedRecipe) ||
		errors.Is(err, resolver.ErrDataIntegrity) ||
		errors.Is(err, resolver.ErrUnsupportedInputType) ||
		errors.Is(err, model.ErrInvalidPayload) ||
		errors.Is(err, ErrNotPlanJob)
}
