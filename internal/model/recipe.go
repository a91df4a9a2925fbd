package model

type (
	InputType           string
	GranularityStrategy string
)

const (
	InputTypeDocument        InputType = "document"
	InputTypeHeaderContext   InputType = "header_context"
	InputTypeContribution    InputType = "contribution"
	InputTypeFeedback        InputType = "feedback"
	InputTypeSeedPrompt      InputType = "seed_prompt"
	InputTypeProjectResource InputType = "project_resource"
)

const (
	GranularityAllToOne          GranularityStrategy = "all_to_one"
	GranularityPerSourceDocument GranularityStrategy = "per_source_document"
	GranularityPerSourceGroup    GranularityStrategy = "per_source_group"
)

// SlugAny marks an input rule that is not tied to a producing stage.
const SlugAny = "any"

// InputRule is one row of a step's inputs_required list.
type InputRule struct {
	Type        InputType `json:"type" yaml:"type" jsonschema:"enum=document,enum=header_context,enum=contribution,enum=feedback,enum=seed_prompt,enum=project_resource"`
	Slug        string    `json:"slug,omitempty" yaml:"slug,omitempty"`
	DocumentKey string    `json:"document_key,omitempty" yaml:"document_key,omitempty"`
	Required    *bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Multiple    bool      `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

// IsRequired defaults to true when the rule leaves it unset.
func (r InputRule) IsRequired() bool {
	return r.Required == nil || *r.Required
}

// AnyStage reports whether the rule matches regardless of producing stage.
func (r InputRule) AnyStage() bool {
	return r.Slug == "" || r.Slug == SlugAny
}

// Key is the document key the rule consumes. Header context rules default to
// their own type name.
func (r InputRule) Key() string {
	if r.DocumentKey != "" {
		return r.DocumentKey
	}
	if r.Type == InputTypeHeaderContext {
		return string(InputTypeHeaderContext)
	}
	return ""
}

// RecipeStep is one node of a stage recipe.
type RecipeStep struct {
	ID                  string              `json:"id" yaml:"id"`
	StepKey             string              `json:"step_key" yaml:"step_key"`
	StepSlug            string              `json:"step_slug,omitempty" yaml:"step_slug,omitempty"`
	StepName            string              `json:"step_name,omitempty" yaml:"step_name,omitempty"`
	JobType             JobType             `json:"job_type" yaml:"job_type" jsonschema:"enum=PLAN,enum=EXECUTE,enum=RENDER"`
	ExecutionOrder      int                 `json:"execution_order" yaml:"execution_order"`
	ParallelGroup       *int                `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	BranchKey           string              `json:"branch_key,omitempty" yaml:"branch_key,omitempty"`
	InputsRequired      []InputRule         `json:"inputs_required,omitempty" yaml:"inputs_required,omitempty"`
	OutputType          string              `json:"output_type" yaml:"output_type"`
	DocumentKey         string              `json:"document_key,omitempty" yaml:"document_key,omitempty"`
	TemplateFilename    string              `json:"template_filename,omitempty" yaml:"template_filename,omitempty"`
	GranularityStrategy GranularityStrategy `json:"granularity_strategy,omitempty" yaml:"granularity_strategy,omitempty" jsonschema:"enum=all_to_one,enum=per_source_document,enum=per_source_group"`
}

// Produces is the document key this step's output is known by.
func (s RecipeStep) Produces() string {
	if s.DocumentKey != "" {
		return s.DocumentKey
	}
	return s.OutputType
}

// Granularity defaults to a single job per step.
func (s RecipeStep) Granularity() GranularityStrategy {
	if s.GranularityStrategy == "" {
		return GranularityAllToOne
	}
	return s.GranularityStrategy
}

// Metadata is the planner metadata stamped on jobs planned from this step.
func (s RecipeStep) Metadata() PlannerMetadata {
	return PlannerMetadata{
		RecipeStepID:      s.ID,
		StepKey:           s.StepKey,
		OutputDocumentKey: s.Produces(),
		BranchKey:         s.BranchKey,
		ParallelGroup:     s.ParallelGroup,
	}
}
