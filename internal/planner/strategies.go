package planner

import (
	"sort"

	"stagegraph.app/planner/internal/artifact"
	"stagegraph.app/planner/internal/model"
)

// AllToOne plans a single job over every resolved input.
func AllToOne(_ model.RecipeStep, docs []model.SourceDocument) []Batch {
	b := Batch{Inputs: docs}

	// A batch drawn from one lineage keeps its tag.
	for _, d := range docs {
		g := d.SourceGroup()
		if g == "" {
			continue
		}
		if b.SourceGroup == "" {
			b.SourceGroup = g
			continue
		}
		if b.SourceGroup != g {
			b.SourceGroup = ""
			break
		}
	}
	return []Batch{b}
}

// PerSourceDocument plans one job per document matched by the step's first
// document or contribution rule. Every other input is shared, except feedback,
// which follows the document it annotates.
func PerSourceDocument(step model.RecipeStep, docs []model.SourceDocument) []Batch {
	primaryRule, ok := primaryRule(step)
	if !ok {
		return AllToOne(step, docs)
	}

	var primary, shared, feedback []model.SourceDocument
	for _, d := range docs {
		switch {
		case d.InputType == primaryRule.Type && (primaryRule.Key() == "" || d.DocumentKey == primaryRule.Key()):
			primary = append(primary, d)
		case d.Kind == model.ArtifactKindFeedback:
			feedback = append(feedback, d)
		default:
			shared = append(shared, d)
		}
	}
	if len(primary) == 0 {
		return AllToOne(step, docs)
	}

	batches := make([]Batch, 0, len(primary))
	for _, doc := range primary {
		inputs := make([]model.SourceDocument, 0, 1+len(shared))
		inputs = append(inputs, doc)
		inputs = append(inputs, shared...)
		for _, fb := range feedback {
			if annotates(fb, doc) {
				inputs = append(inputs, fb)
			}
		}

		b := Batch{
			Inputs:       SortDocuments(inputs),
			SourceGroup:  doc.SourceGroup(),
			LineageStage: doc.StageSlug,
		}
		if doc.Kind == model.ArtifactKindContribution {
			b.SourceContributionID = doc.ID
		} else {
			b.SourceContributionID = doc.SourceContributionID
		}
		batches = append(batches, b)
	}
	return batches
}

// PerSourceGroup plans one job per lineage group. Inputs without a group are
// shared by every job; without any groups the step collapses to one job.
func PerSourceGroup(step model.RecipeStep, docs []model.SourceDocument) []Batch {
	groups := make(map[string][]model.SourceDocument)
	var shared []model.SourceDocument
	for _, d := range docs {
		g := d.SourceGroup()
		if g == "" {
			shared = append(shared, d)
			continue
		}
		groups[g] = append(groups[g], d)
	}
	if len(groups) == 0 {
		return AllToOne(step, docs)
	}

	keys := make([]string, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Strings(keys)

	batches := make([]Batch, 0, len(keys))
	for _, g := range keys {
		inputs := make([]model.SourceDocument, 0, len(shared)+len(groups[g]))
		inputs = append(inputs, shared...)
		inputs = append(inputs, groups[g]...)
		batches = append(batches, Batch{
			Inputs:      SortDocuments(inputs),
			SourceGroup: g,
		})
	}
	return batches
}

func primaryRule(step model.RecipeStep) (model.InputRule, bool) {
	for _, rule := range step.InputsRequired {
		if rule.Type == model.InputTypeDocument || rule.Type == model.InputTypeContribution {
			return rule, true
		}
	}
	return model.InputRule{}, false
}

func annotates(fb, doc model.SourceDocument) bool {
	if g := fb.SourceGroup(); g != "" {
		return g == doc.SourceGroup()
	}
	fbBase, ok := artifact.BaseName(fb.Storage.FileName)
	if !ok {
		return false
	}
	docBase, ok := artifact.BaseName(doc.Storage.FileName)
	return ok && fbBase == docBase
}
