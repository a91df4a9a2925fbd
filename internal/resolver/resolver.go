// Package resolver finds the artifacts that satisfy a recipe step's input
// rules. It only reads: the same record may satisfy any number of rules and
// nothing is marked as consumed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"stagegraph.app/planner/internal/artifact"
	"stagegraph.app/planner/internal/model"
)

var (
	ErrMissingRequiredInput = errors.New("missing required input")
	ErrDataIntegrity        = errors.New("artifact record is missing storage metadata")
	ErrUnsupportedInputType = errors.New("unsupported input type")
)

// MissingRequiredInputError names the rule that resolved to nothing.
type MissingRequiredInputError struct {
	Rule      model.InputRule
	StageSlug string
}

func (e *MissingRequiredInputError) Error() string {
	stage := e.Rule.Slug
	if stage == "" {
		stage = model.SlugAny
	}
	return fmt.Sprintf("%s: %s %q from stage %s", ErrMissingRequiredInput, e.Rule.Type, e.Rule.Key(), stage)
}

func (e *MissingRequiredInputError) Unwrap() error {
	return ErrMissingRequiredInput
}

type ContributionReader interface {
	ListContributions(ctx context.Context, filter model.ContributionFilter) ([]model.Contribution, error)
	GetContributionsByIDs(ctx context.Context, ids []string) ([]model.Contribution, error)
}

type ResourceReader interface {
	ListResources(ctx context.Context, filter model.ResourceFilter) ([]model.ProjectResource, error)
}

type FeedbackReader interface {
	ListFeedback(ctx context.Context, filter model.FeedbackFilter) ([]model.Feedback, error)
}

type Resolver struct {
	contributions ContributionReader
	resources     ResourceReader
	feedback      FeedbackReader
}

func New(contributions ContributionReader, resources ResourceReader, feedback FeedbackReader) *Resolver {
	return &Resolver{
		contributions: contributions,
		resources:     resources,
		feedback:      feedback,
	}
}

// Resolve returns every artifact matching rules in the scope of jc,
// deduplicated by storage location. It fails with *MissingRequiredInputError
// as soon as a required rule finds nothing.
func (r *Resolver) Resolve(ctx context.Context, rules []model.InputRule, jc model.JobContext) ([]model.SourceDocument, error) {
	seen := make(map[model.StorageRef]struct{})
	var docs []model.SourceDocument

	for _, rule := range rules {
		found, err := r.resolveRule(ctx, rule, jc)
		if err != nil {
			return nil, err
		}

		if len(found) == 0 {
			if rule.IsRequired() {
				return nil, &MissingRequiredInputError{Rule: rule, StageSlug: jc.StageSlug}
			}
			slog.DebugContext(ctx, "optional input not found, skipping",
				"input_type", rule.Type,
				"slug", rule.Slug,
				"document_key", rule.DocumentKey)
			continue
		}

		for _, doc := range found {
			if _, dup := seen[doc.Storage]; dup {
				continue
			}
			seen[doc.Storage] = struct{}{}
			docs = append(docs, doc)
		}
	}

	r.enrichLineage(ctx, docs)
	return docs, nil
}

func (r *Resolver) resolveRule(ctx context.Context, rule model.InputRule, jc model.JobContext) ([]model.SourceDocument, error) {
	switch rule.Type {
	case model.InputTypeDocument:
		return r.resolveRenderedDocuments(ctx, rule, jc)
	case model.InputTypeHeaderContext:
		return r.resolveContributions(ctx, rule, model.ContributionFilter{
			SessionID:        jc.SessionID,
			IterationNumber:  jc.IterationNumber,
			StageSlug:        stageFilter(rule),
			ModelID:          jc.ModelID,
			ContributionType: string(model.InputTypeHeaderContext),
			LatestEditOnly:   true,
		})
	case model.InputTypeContribution:
		return r.resolveContributions(ctx, rule, model.ContributionFilter{
			SessionID:       jc.SessionID,
			IterationNumber: jc.IterationNumber,
			StageSlug:       stageFilter(rule),
			LatestEditOnly:  true,
		})
	case model.InputTypeFeedback:
		return r.resolveFeedback(ctx, rule, jc)
	case model.InputTypeSeedPrompt:
		return r.resolveSeedPrompt(ctx, rule, jc)
	case model.InputTypeProjectResource:
		return r.resolveProjectResources(ctx, rule, jc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedInputType, rule.Type)
	}
}

// resolveRenderedDocuments never falls back to raw contributions: once a
// document is rendered, the rendered artifact is the only valid input.
func (r *Resolver) resolveRenderedDocuments(ctx context.Context, rule model.InputRule, jc model.JobContext) ([]model.SourceDocument, error) {
	resources, err := r.resources.ListResources(ctx, model.ResourceFilter{
		ProjectID:            jc.ProjectID,
		ResourceType:         model.ResourceTypeRenderedDocument,
		DocumentKey:          rule.DocumentKey,
		SessionID:            jc.SessionID,
		StageSlug:            stageFilter(rule),
		IterationNumber:      jc.IterationNumber,
		SourceContributionID: jc.SourceContributionID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing rendered documents for %s: %w", rule.Key(), err)
	}

	var out []model.SourceDocument
	for _, res := range resources {
		doc, err := fromResource(res, rule.Type)
		if err != nil {
			return nil, err
		}
		if rule.DocumentKey != "" && doc.DocumentKey != rule.DocumentKey {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *Resolver) resolveContributions(ctx context.Context, rule model.InputRule, filter model.ContributionFilter) ([]model.SourceDocument, error) {
	contributions, err := r.contributions.ListContributions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing %s contributions: %w", rule.Type, err)
	}

	key := rule.Key()
	var out []model.SourceDocument
	for _, c := range contributions {
		if artifact.KindOf(c.Storage.FileName) == artifact.FileKindFeedback {
			continue
		}
		doc, err := fromContribution(c, rule.Type)
		if err != nil {
			return nil, err
		}
		if key != "" && doc.DocumentKey != key {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *Resolver) resolveFeedback(ctx context.Context, rule model.InputRule, jc model.JobContext) ([]model.SourceDocument, error) {
	feedback, err := r.feedback.ListFeedback(ctx, model.FeedbackFilter{
		SessionID:       jc.SessionID,
		IterationNumber: jc.IterationNumber,
		StageSlug:       stageFilter(rule),
		ModelID:         jc.ModelID,
		DocumentKey:     rule.DocumentKey,
	})
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}

	var out []model.SourceDocument
	for _, fb := range feedback {
		if rule.DocumentKey != "" && fb.Metadata.DocumentKey != rule.DocumentKey {
			continue
		}
		doc, err := fromFeedback(fb)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// resolveSeedPrompt looks the prompt up by resource type, then by its
// project-root storage location. Neither query is scoped to a session,
// stage, iteration or model.
func (r *Resolver) resolveSeedPrompt(ctx context.Context, rule model.InputRule, jc model.JobContext) ([]model.SourceDocument, error) {
	resources, err := r.resources.ListResources(ctx, model.ResourceFilter{
		ProjectID:    jc.ProjectID,
		ResourceType: model.ResourceTypeInitialUserPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("listing seed prompt: %w", err)
	}

	if len(resources) == 0 {
		rootPath := artifact.ProjectRootPath(jc.ProjectID)
		atRoot, err := r.resources.ListResources(ctx, model.ResourceFilter{
			ProjectID:   jc.ProjectID,
			StoragePath: rootPath,
		})
		if err != nil {
			return nil, fmt.Errorf("listing project root resources: %w", err)
		}
		for _, res := range atRoot {
			if artifact.IsProjectRoot(res.Storage.Path, jc.ProjectID) && maybeSeedPrompt(res) {
				resources = append(resources, res)
			}
		}
	}

	out := make([]model.SourceDocument, 0, len(resources))
	for _, res := range resources {
		doc, err := fromResource(res, rule.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// maybeSeedPrompt keeps untyped root resources. Anything typed as something
// other than the initial prompt, such as a user reference, is not a prompt.
func maybeSeedPrompt(res model.ProjectResource) bool {
	for _, t := range []string{res.ResourceType, res.Description.Type} {
		if t != "" && t != model.ResourceTypeInitialUserPrompt {
			return false
		}
	}
	return true
}

func (r *Resolver) resolveProjectResources(ctx context.Context, rule model.InputRule, jc model.JobContext) ([]model.SourceDocument, error) {
	resources, err := r.resources.ListResources(ctx, model.ResourceFilter{
		ProjectID:    jc.ProjectID,
		ResourceType: model.ResourceTypeProjectResource,
		DocumentKey:  rule.DocumentKey,
	})
	if err != nil {
		return nil, fmt.Errorf("listing project resources: %w", err)
	}

	var out []model.SourceDocument
	for _, res := range resources {
		doc, err := fromResource(res, rule.Type)
		if err != nil {
			return nil, err
		}
		if rule.DocumentKey != "" && doc.DocumentKey != rule.DocumentKey {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func stageFilter(rule model.InputRule) string {
	if rule.AnyStage() {
		return ""
	}
	return rule.Slug
}
