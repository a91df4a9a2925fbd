package resolver_test

import (
	"context"

	"stagegraph.app/planner/internal/model"
)

type mockContributionReader struct {
	listFn     func(ctx context.Context, filter model.ContributionFilter) ([]model.Contribution, error)
	getByIDsFn func(ctx context.Context, ids []string) ([]model.Contribution, error)

	listCalls []model.ContributionFilter
	getCalls  [][]string
}

func (m *mockContributionReader) ListContributions(ctx context.Context, filter model.ContributionFilter) ([]model.Contribution, error) {
	m.listCalls = append(m.listCalls, filter)
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockContributionReader) GetContributionsByIDs(ctx context.Context, ids []string) ([]model.Contribution, error) {
	m.getCalls = append(m.getCalls, ids)
	if m.getByIDsFn != nil {
		return m.getByIDsFn(ctx, ids)
	}
	return nil, nil
}

type mockResourceReader struct {
	listFn func(ctx context.Context, filter model.ResourceFilter) ([]model.ProjectResource, error)

	calls []model.ResourceFilter
}

func (m *mockResourceReader) ListResources(ctx context.Context, filter model.ResourceFilter) ([]model.ProjectResource, error) {
	m.calls = append(m.calls, filter)
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

type mockFeedbackReader struct {
	listFn func(ctx context.Context, filter model.FeedbackFilter) ([]model.Feedback, error)

	calls []model.FeedbackFilter
}

func (m *mockFeedbackReader) ListFeedback(ctx context.Context, filter model.FeedbackFilter) ([]model.Feedback, error) {
	m.calls = append(m.calls, filter)
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}
