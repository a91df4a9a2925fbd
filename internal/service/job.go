package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/recipe"
	"stagegraph.app/planner/internal/store"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrStageInProgress = errors.New("stage already has a live planning job")
)

const defaultListLimit = 100

// StagePlanParams starts planning one stage iteration for one model.
type StagePlanParams struct {
	ProjectID       string `json:"project_id"`
	SessionID       string `json:"session_id"`
	StageSlug       string `json:"stage_slug"`
	IterationNumber int    `json:"iteration_number"`
	ModelID         string `json:"model_id"`
	ModelName       string `json:"model_name,omitempty"`

	TraceID *string `json:"trace_id,omitempty"`
}

type JobQuery struct {
	SessionID       string
	StageSlug       string
	IterationNumber int
	Statuses        []model.JobStatus
	JobTypes        []model.JobType
	ParentJobID     *int64
	Limit           int
}

// StageSummary counts the jobs of one stage iteration by status.
type StageSummary struct {
	SessionID       string                  `json:"session_id"`
	StageSlug       string                  `json:"stage_slug"`
	IterationNumber int                     `json:"iteration_number"`
	Total           int                     `json:"total"`
	ByStatus        map[model.JobStatus]int `json:"by_status"`
	Done            bool                    `json:"done"`
}

type JobService interface {
	Get(ctx context.Context, jobID int64) (*model.Job, error)
	List(ctx context.Context, q JobQuery) ([]*model.Job, error)
	Summary(ctx context.Context, sessionID, stageSlug string, iteration int) (*StageSummary, error)
	PlanStage(ctx context.Context, params StagePlanParams) (*model.Job, error)
}

// StageSource looks up the recipe graph for a stage.
type StageSource interface {
	ForStage(ctx context.Context, stageSlug string) (*recipe.Graph, error)
}

type jobService struct {
	stores     store.Provider
	txRunner   store.TxRunner
	recipes    StageSource
	queue      queue.Producer
	maxRetries int
	logger     *slog.Logger
}

func NewJobService(stores store.Provider, txRunner store.TxRunner, recipes StageSource, queue queue.Producer, maxRetries int, logger *slog.Logger) JobService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 1 {
		maxRetries = model.DefaultMaxRetries
	}
	return &jobService{
		stores:     stores,
		txRunner:   txRunner,
		recipes:    recipes,
		queue:      queue,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

func (s *jobService) Get(ctx context.Context, jobID int64) (*model.Job, error) {
	job, err := s.stores.Jobs().GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("fetching job %d: %w", jobID, err)
	}
	return job, nil
}

func (s *jobService) List(ctx context.Context, q JobQuery) ([]*model.Job, error) {
	if q.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, st)
		}
	}
	for _, t := range q.JobTypes {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, t)
		}
	}
	limit := q.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	jobs, err := s.stores.Jobs().List(ctx, model.JobFilter{
		SessionID:       q.SessionID,
		StageSlug:       q.StageSlug,
		IterationNumber: q.IterationNumber,
		Statuses:        q.Statuses,
		JobTypes:        q.JobTypes,
		ParentJobID:     q.ParentJobID,
		Limit:           limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *jobService) Summary(ctx context.Context, sessionID, stageSlug string, iteration int) (*StageSummary, error) {
	if sessionID == "" || stageSlug == "" || iteration < 1 {
		return nil, fmt.Errorf("%w: session_id, stage_slug and iteration are required", ErrInvalidRequest)
	}
	jobs, err := s.stores.Jobs().List(ctx, model.JobFilter{
		SessionID:       sessionID,
		StageSlug:       stageSlug,
		IterationNumber: iteration,
	})
	if err != nil {
		return nil, fmt.Errorf("listing stage jobs: %w", err)
	}

	summary := &StageSummary{
		SessionID:       sessionID,
		StageSlug:       stageSlug,
		IterationNumber: iteration,
		Total:           len(jobs),
		ByStatus:        map[model.JobStatus]int{},
		Done:            len(jobs) > 0,
	}
	for _, j := range jobs {
		summary.ByStatus[j.Status]++
		if !j.Status.Terminal() {
			summary.Done = false
		}
	}
	return summary, nil
}

// PlanStage inserts the root PLAN job of a stage iteration and publishes it
// once the insert has committed.
func (s *jobService) PlanStage(ctx context.Context, params StagePlanParams) (*model.Job, error) {
	if err := validatePlanParams(params); err != nil {
		return nil, err
	}

	graph, err := s.recipes.ForStage(ctx, params.StageSlug)
	if err != nil {
		if errors.Is(err, recipe.ErrUnknownStage) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("loading recipe for stage %s: %w", params.StageSlug, err)
	}

	root := &model.Job{
		ID:              id.New(),
		SessionID:       params.SessionID,
		StageSlug:       params.StageSlug,
		IterationNumber: params.IterationNumber,
		JobType:         model.JobTypePlan,
		Status:          model.JobStatusPending,
		Payload: &model.PlanPayload{
			JobContext: model.JobContext{
				ProjectID:       params.ProjectID,
				SessionID:       params.SessionID,
				StageSlug:       params.StageSlug,
				IterationNumber: params.IterationNumber,
				ModelID:         params.ModelID,
				ModelName:       params.ModelName,
			},
			StepInfo: model.StepInfo{CurrentStep: 1, TotalSteps: len(graph.Steps())},
		},
		MaxRetries: s.maxRetries,
	}

	if err := s.txRunner.WithTx(ctx, func(sp store.Provider) error {
		live, err := sp.Jobs().List(ctx, model.JobFilter{
			JobTypes:        []model.JobType{model.JobTypePlan},
			Statuses:        model.LiveStatuses,
			SessionID:       params.SessionID,
			StageSlug:       params.StageSlug,
			IterationNumber: params.IterationNumber,
			ModelID:         params.ModelID,
		})
		if err != nil {
			return fmt.Errorf("checking live planning jobs: %w", err)
		}
		for _, j := range live {
			if j.ParentJobID == nil {
				return fmt.Errorf("%w: job %d is %s", ErrStageInProgress, j.ID, j.Status)
			}
		}

		if err := sp.Jobs().InsertBatch(ctx, []*model.Job{root}); err != nil {
			return fmt.Errorf("inserting root plan job: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	traceID := ""
	if params.TraceID != nil {
		traceID = *params.TraceID
	}
	if err := s.queue.Enqueue(ctx, queue.NewJobMessage(root, traceID)); err != nil {
		// The row is committed; the reclaimer's stale sweep publishes it later.
		s.logger.WarnContext(ctx, "failed to enqueue root plan job", "job_id", root.ID, "error", err)
	}

	s.logger.InfoContext(ctx, "stage planning requested",
		"job_id", root.ID,
		"session_id", params.SessionID,
		"stage_slug", params.StageSlug,
		"iteration", params.IterationNumber,
		"steps", len(graph.Steps()))
	return root, nil
}

func validatePlanParams(p StagePlanParams) error {
	switch {
	case p.ProjectID == "":
		return fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	case p.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	case p.StageSlug == "":
		return fmt.Errorf("%w: stage_slug is required", ErrInvalidRequest)
	case p.IterationNumber < 1:
		return fmt.Errorf("%w: iteration_number must be >= 1", ErrInvalidRequest)
	case p.ModelID == "":
		return fmt.Errorf("%w: model_id is required", ErrInvalidRequest)
	}
	return nil
}
