package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"stagegraph.app/planner/internal/recipe"
)

type stepView struct {
	ID            string   `yaml:"id"`
	Order         int      `yaml:"execution_order"`
	JobType       string   `yaml:"job_type"`
	Produces      string   `yaml:"produces"`
	Granularity   string   `yaml:"granularity"`
	Template      string   `yaml:"template,omitempty"`
	Inputs        []string `yaml:"inputs,omitempty"`
	Prerequisites []string `yaml:"prerequisites,omitempty"`
}

type recipeView struct {
	Stage string     `yaml:"stage"`
	Steps []stepView `yaml:"steps"`
}

func validateRecipes(ctx context.Context, out io.Writer) error {
	catalog, err := recipe.LoadDir(ctx, recipesDir)
	if err != nil {
		return fmt.Errorf("recipes in %s are invalid: %w", recipesDir, err)
	}

	for _, stage := range catalog.Stages() {
		graph, err := catalog.ForStage(ctx, stage)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ %s (%d steps)\n", stage, len(graph.Steps()))
	}
	return nil
}

func showRecipe(ctx context.Context, out io.Writer, stage string) error {
	catalog, err := recipe.LoadDir(ctx, recipesDir)
	if err != nil {
		return fmt.Errorf("loading recipes: %w", err)
	}
	graph, err := catalog.ForStage(ctx, stage)
	if err != nil {
		return err
	}

	view := recipeView{Stage: graph.StageSlug()}
	for _, step := range graph.Steps() {
		sv := stepView{
			ID:          step.ID,
			Order:       step.ExecutionOrder,
			JobType:     string(step.JobType),
			Produces:    step.Produces(),
			Granularity: string(step.Granularity()),
			Template:    step.TemplateFilename,
		}
		for _, rule := range step.InputsRequired {
			sv.Inputs = append(sv.Inputs, rule.Key())
		}
		for _, pre := range graph.Prerequisites(step) {
			sv.Prerequisites = append(sv.Prerequisites, pre.ID)
		}
		view.Steps = append(view.Steps, sv)
	}

	switch outputFormat {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(view)
	case "text", "":
		fmt.Fprintf(out, "stage %s\n", view.Stage)
		for _, s := range view.Steps {
			fmt.Fprintf(out, "  %d. %s [%s] -> %s\n", s.Order, s.ID, s.JobType, s.Produces)
			if len(s.Prerequisites) > 0 {
				fmt.Fprintf(out, "     after: %s\n", strings.Join(s.Prerequisites, ", "))
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text or yaml)", outputFormat)
	}
}
