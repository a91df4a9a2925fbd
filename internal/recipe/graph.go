package recipe

import (
	"errors"
	"fmt"
	"sort"

	"stagegraph.app/planner/internal/artifact"
	"stagegraph.app/planner/internal/model"
)

var (
	// ErrMalformedRecipe marks configuration faults. They are never retried.
	ErrMalformedRecipe = errors.New("malformed recipe")
	ErrNoProducer      = errors.New("no recipe step produces document key")
	ErrUnknownStep     = errors.New("unknown recipe step")
)

// Graph is a validated stage recipe indexed by produced document key.
// Lookups are always "who produces X", so there is no adjacency list.
type Graph struct {
	stageSlug string
	steps     []model.RecipeStep
	byID      map[string]int
	producers map[string]int
}

// NewGraph validates steps and builds the producer index. Every required
// intra-stage input must be produced by exactly one other step that runs
// strictly earlier, which also rules out cycles.
func NewGraph(stageSlug string, steps []model.RecipeStep) (*Graph, error) {
	if stageSlug == "" {
		return nil, fmt.Errorf("%w: missing stage slug", ErrMalformedRecipe)
	}

	ordered := make([]model.RecipeStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ExecutionOrder != ordered[j].ExecutionOrder {
			return ordered[i].ExecutionOrder < ordered[j].ExecutionOrder
		}
		return ordered[i].StepKey < ordered[j].StepKey
	})

	g := &Graph{
		stageSlug: stageSlug,
		steps:     ordered,
		byID:      make(map[string]int, len(ordered)),
		producers: make(map[string]int, len(ordered)),
	}

	keys := make(map[string]struct{}, len(ordered))
	for i, step := range ordered {
		if step.ID == "" || step.StepKey == "" {
			return nil, fmt.Errorf("%w: stage %s: step at position %d has no id or step_key", ErrMalformedRecipe, stageSlug, i)
		}
		if !step.JobType.Valid() {
			return nil, fmt.Errorf("%w: step %s: invalid job_type %q", ErrMalformedRecipe, step.StepKey, step.JobType)
		}
		if _, dup := g.byID[step.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %s", ErrMalformedRecipe, step.ID)
		}
		if _, dup := keys[step.StepKey]; dup {
			return nil, fmt.Errorf("%w: duplicate step key %s", ErrMalformedRecipe, step.StepKey)
		}
		g.byID[step.ID] = i
		keys[step.StepKey] = struct{}{}

		produced := step.Produces()
		if produced == "" {
			return nil, fmt.Errorf("%w: step %s produces nothing", ErrMalformedRecipe, step.StepKey)
		}
		if err := artifact.ValidateDocumentKey(produced); err != nil {
			return nil, fmt.Errorf("%w: step %s: %w", ErrMalformedRecipe, step.StepKey, err)
		}
		for _, rule := range step.InputsRequired {
			if err := artifact.ValidateDocumentKey(rule.DocumentKey); err != nil {
				return nil, fmt.Errorf("%w: step %s input: %w", ErrMalformedRecipe, step.StepKey, err)
			}
		}
		if other, dup := g.producers[produced]; dup {
			return nil, fmt.Errorf("%w: document key %s produced by both %s and %s",
				ErrMalformedRecipe, produced, ordered[other].StepKey, step.StepKey)
		}
		g.producers[produced] = i
	}

	for _, step := range ordered {
		for _, rule := range step.InputsRequired {
			if !rule.IsRequired() || !g.isIntraStage(rule) {
				continue
			}
			key := rule.Key()
			idx, ok := g.producers[key]
			if !ok {
				return nil, fmt.Errorf("%w: step %s requires %s: %w", ErrMalformedRecipe, step.StepKey, key, ErrNoProducer)
			}
			producer := ordered[idx]
			if producer.ID == step.ID {
				return nil, fmt.Errorf("%w: step %s consumes its own output %s", ErrMalformedRecipe, step.StepKey, key)
			}
			if producer.ExecutionOrder >= step.ExecutionOrder {
				return nil, fmt.Errorf("%w: step %s (order %d) requires %s from %s (order %d)",
					ErrMalformedRecipe, step.StepKey, step.ExecutionOrder, key, producer.StepKey, producer.ExecutionOrder)
			}
		}
	}

	return g, nil
}

func (g *Graph) StageSlug() string {
	return g.stageSlug
}

// Steps returns the steps ordered by execution_order, then step key.
func (g *Graph) Steps() []model.RecipeStep {
	out := make([]model.RecipeStep, len(g.steps))
	copy(out, g.steps)
	return out
}

func (g *Graph) Step(id string) (model.RecipeStep, error) {
	idx, ok := g.byID[id]
	if !ok {
		return model.RecipeStep{}, fmt.Errorf("%w: %s in stage %s", ErrUnknownStep, id, g.stageSlug)
	}
	return g.steps[idx], nil
}

// ProducerOf returns the step that produces documentKey.
func (g *Graph) ProducerOf(documentKey string) (model.RecipeStep, error) {
	idx, ok := g.producers[documentKey]
	if !ok {
		return model.RecipeStep{}, fmt.Errorf("%w: %s in stage %s", ErrNoProducer, documentKey, g.stageSlug)
	}
	return g.steps[idx], nil
}

// IsIntraStage reports whether a rule consumes something produced inside this
// stage, i.e. something the graph is responsible for.
func (g *Graph) IsIntraStage(rule model.InputRule) bool {
	return g.isIntraStage(rule)
}

func (g *Graph) isIntraStage(rule model.InputRule) bool {
	switch rule.Type {
	case model.InputTypeDocument, model.InputTypeHeaderContext, model.InputTypeContribution:
	default:
		return false
	}
	return rule.Slug == g.stageSlug && rule.Key() != ""
}

// Prerequisites returns the steps whose output step requires, in execution order.
func (g *Graph) Prerequisites(step model.RecipeStep) []model.RecipeStep {
	seen := make(map[string]struct{})
	var out []model.RecipeStep
	for _, rule := range step.InputsRequired {
		if !rule.IsRequired() || !g.isIntraStage(rule) {
			continue
		}
		idx, ok := g.producers[rule.Key()]
		if !ok {
			continue
		}
		producer := g.steps[idx]
		if _, dup := seen[producer.ID]; dup {
			continue
		}
		seen[producer.ID] = struct{}{}
		out = append(out, producer)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return g.byID[out[i].ID] < g.byID[out[j].ID]
	})
	return out
}

// IsReady reports whether every required keyed input of step is among the
// available document keys. Unkeyed rules (seed prompt, project resources,
// feedback without a key) cannot be judged from keys alone and are ignored;
// the processor confirms readiness against the resolver.
func (g *Graph) IsReady(step model.RecipeStep, available map[string]struct{}) bool {
	for _, rule := range step.InputsRequired {
		if !rule.IsRequired() {
			continue
		}
		key := rule.Key()
		if key == "" {
			continue
		}
		if _, ok := available[key]; !ok {
			return false
		}
	}
	return true
}
