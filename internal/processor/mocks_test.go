package processor_test

import (
	"context"

	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/processor"
)

type spyPlanner struct {
	inner processor.StepPlanner
	calls []string
}

func (s *spyPlanner) Plan(ctx context.Context, parent *model.Job, step model.RecipeStep, docs []model.SourceDocument) ([]*model.Job, error) {
	s.calls = append(s.calls, step.ID)
	return s.inner.Plan(ctx, parent, step, docs)
}

type mockBlockerFinder struct {
	findFn func(ctx context.Context, missing model.RequiredArtifactIdentity) (*model.Job, error)
	calls  []model.RequiredArtifactIdentity
}

func (m *mockBlockerFinder) FindNextBlocker(ctx context.Context, missing model.RequiredArtifactIdentity) (*model.Job, error) {
	m.calls = append(m.calls, missing)
	if m.findFn != nil {
		return m.findFn(ctx, missing)
	}
	return nil, nil
}
