// Package planner expands a ready recipe step into concrete jobs.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/recipe"
)

// Strategy splits the resolved inputs of a step into the input sets of the
// jobs it expands into. Every returned batch becomes one job.
type Strategy func(step model.RecipeStep, docs []model.SourceDocument) []Batch

// Batch is the input set of one planned job.
type Batch struct {
	Inputs               []model.SourceDocument
	SourceGroup          string
	SourceContributionID string
	LineageStage         string
}

type Planner struct {
	strategies map[model.GranularityStrategy]Strategy
	newID      func() int64
}

type Option func(*Planner)

// WithIDs replaces the snowflake id source.
func WithIDs(newID func() int64) Option {
	return func(p *Planner) {
		p.newID = newID
	}
}

// WithStrategy registers or overrides the strategy for a granularity.
func WithStrategy(g model.GranularityStrategy, s Strategy) Option {
	return func(p *Planner) {
		p.strategies[g] = s
	}
}

func New(opts ...Option) *Planner {
	p := &Planner{
		strategies: map[model.GranularityStrategy]Strategy{
			model.GranularityAllToOne:          AllToOne,
			model.GranularityPerSourceDocument: PerSourceDocument,
			model.GranularityPerSourceGroup:    PerSourceGroup,
		},
		newID: id.New,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan expands step into pending jobs parented to parent. Inputs are sorted
// by document key then filename before they are split.
func (p *Planner) Plan(ctx context.Context, parent *model.Job, step model.RecipeStep, docs []model.SourceDocument) ([]*model.Job, error) {
	strategy, ok := p.strategies[step.Granularity()]
	if !ok {
		return nil, fmt.Errorf("%w: step %s: unknown granularity strategy %q",
			recipe.ErrMalformedRecipe, step.StepKey, step.GranularityStrategy)
	}

	sorted := SortDocuments(docs)
	batches := strategy(step, sorted)

	jc := parent.Payload.Context()
	jobs := make([]*model.Job, 0, len(batches))
	for _, b := range batches {
		payload, err := buildPayload(jc, step, b)
		if err != nil {
			return nil, err
		}
		if err := payload.Validate(); err != nil {
			return nil, fmt.Errorf("%w: step %s: %w", recipe.ErrMalformedRecipe, step.StepKey, err)
		}
		parentID := parent.ID
		jobs = append(jobs, &model.Job{
			ID:              p.newID(),
			ParentJobID:     &parentID,
			SessionID:       parent.SessionID,
			StageSlug:       parent.StageSlug,
			IterationNumber: parent.IterationNumber,
			JobType:         payload.Type(),
			Status:          model.JobStatusPending,
			Payload:         payload,
			MaxRetries:      parent.MaxRetries,
		})
	}

	slog.DebugContext(ctx, "step planned",
		"step_key", step.StepKey,
		"granularity", step.Granularity(),
		"input_count", len(sorted),
		"job_count", len(jobs))

	return jobs, nil
}

// buildPayload maps a step onto a job payload. PLAN steps generate planning
// context and run as EXECUTE jobs like any other generation step.
func buildPayload(jc model.JobContext, step model.RecipeStep, b Batch) (model.JobPayload, error) {
	if b.SourceContributionID != "" {
		jc.SourceContributionID = b.SourceContributionID
	}

	inputs := make([]model.InputRef, 0, len(b.Inputs))
	for _, d := range b.Inputs {
		inputs = append(inputs, d.InputRef())
	}

	var rel *model.DocumentRelationships
	if b.SourceGroup != "" || (b.LineageStage != "" && b.SourceContributionID != "") {
		rel = &model.DocumentRelationships{SourceGroup: b.SourceGroup}
		if b.LineageStage != "" && b.SourceContributionID != "" {
			rel.Stages = map[string]string{b.LineageStage: b.SourceContributionID}
		}
	}

	switch step.JobType {
	case model.JobTypeExecute, model.JobTypePlan:
		return &model.ExecutePayload{
			JobContext:            jc,
			PlannerMetadata:       step.Metadata(),
			OutputType:            step.OutputType,
			DocumentKey:           step.Produces(),
			Inputs:                inputs,
			TemplateFilename:      step.TemplateFilename,
			DocumentRelationships: rel,
		}, nil
	case model.JobTypeRender:
		return &model.RenderPayload{
			JobContext:            jc,
			PlannerMetadata:       step.Metadata(),
			DocumentKey:           step.Produces(),
			TemplateFilename:      step.TemplateFilename,
			Inputs:                inputs,
			DocumentRelationships: rel,
		}, nil
	default:
		return nil, fmt.Errorf("%w: step %s: invalid job_type %q", recipe.ErrMalformedRecipe, step.StepKey, step.JobType)
	}
}

// SortDocuments returns docs ordered by document key, then filename, then id.
func SortDocuments(docs []model.SourceDocument) []model.SourceDocument {
	out := make([]model.SourceDocument, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DocumentKey != b.DocumentKey {
			return a.DocumentKey < b.DocumentKey
		}
		if a.Storage.FileName != b.Storage.FileName {
			return a.Storage.FileName < b.Storage.FileName
		}
		return a.ID < b.ID
	})
	return out
}
