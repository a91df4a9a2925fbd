package handler_test

import (
	"context"

	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/service"
)

type mockJobService struct {
	getFn       func(ctx context.Context, jobID int64) (*model.Job, error)
	listFn      func(ctx context.Context, q service.JobQuery) ([]*model.Job, error)
	summaryFn   func(ctx context.Context, sessionID, stageSlug string, iteration int) (*service.StageSummary, error)
	planStageFn func(ctx context.Context, params service.StagePlanParams) (*model.Job, error)
}

func (m *mockJobService) Get(ctx context.Context, jobID int64) (*model.Job, error) {
	if m.getFn != nil {
		return m.getFn(ctx, jobID)
	}
	return nil, service.ErrJobNotFound
}

func (m *mockJobService) List(ctx context.Context, q service.JobQuery) ([]*model.Job, error) {
	if m.listFn != nil {
		return m.listFn(ctx, q)
	}
	return nil, nil
}

func (m *mockJobService) Summary(ctx context.Context, sessionID, stageSlug string, iteration int) (*service.StageSummary, error) {
	if m.summaryFn != nil {
		return m.summaryFn(ctx, sessionID, stageSlug, iteration)
	}
	return &service.StageSummary{}, nil
}

func (m *mockJobService) PlanStage(ctx context.Context, params service.StagePlanParams) (*model.Job, error) {
	if m.planStageFn != nil {
		return m.planStageFn(ctx, params)
	}
	return nil, nil
}
