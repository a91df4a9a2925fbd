package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidPayload = errors.New("invalid job payload")

// JobPayload is the job-type specific parameter block stored in jobs.payload.
// Exactly one concrete type exists per JobType.
type JobPayload interface {
	Type() JobType
	Context() JobContext
	Validate() error
}

// JobContext is the coordinate set every job carries. The resolver scopes its
// artifact queries by it.
type JobContext struct {
	ProjectID       string `json:"project_id"`
	SessionID       string `json:"session_id"`
	StageSlug       string `json:"stage_slug"`
	IterationNumber int    `json:"iteration_number"`
	ModelID         string `json:"model_id,omitempty"`
	ModelName       string `json:"model_name,omitempty"`

	// SourceContributionID links a job to the contribution it derives from.
	// Rendered-document lookups are narrowed to it when present.
	SourceContributionID string `json:"source_contribution_id,omitempty"`
}

func (c JobContext) validate() error {
	switch {
	case c.ProjectID == "":
		return fmt.Errorf("%w: project_id is required", ErrInvalidPayload)
	case c.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalidPayload)
	case c.StageSlug == "":
		return fmt.Errorf("%w: stage_slug is required", ErrInvalidPayload)
	case c.IterationNumber < 1:
		return fmt.Errorf("%w: iteration_number must be >= 1", ErrInvalidPayload)
	}
	return nil
}

// PlannerMetadata ties a job to the recipe step it was planned from.
type PlannerMetadata struct {
	RecipeStepID      string `json:"recipe_step_id"`
	StepKey           string `json:"step_key,omitempty"`
	OutputDocumentKey string `json:"output_document_key,omitempty"`
	BranchKey         string `json:"branch_key,omitempty"`
	ParallelGroup     *int   `json:"parallel_group,omitempty"`
}

type StepInfo struct {
	CurrentStep int `json:"current_step"`
	TotalSteps  int `json:"total_steps"`
}

// PlanPayload drives the complex job processor. A root PLAN job has no
// PlannerMetadata and plans the whole stage; a skeleton carries the single
// step it is responsible for.
type PlanPayload struct {
	JobContext
	PlannerMetadata *PlannerMetadata `json:"planner_metadata,omitempty"`
	StepInfo        StepInfo         `json:"step_info"`
}

func (p *PlanPayload) Type() JobType       { return JobTypePlan }
func (p *PlanPayload) Context() JobContext { return p.JobContext }

func (p *PlanPayload) Validate() error {
	if err := p.JobContext.validate(); err != nil {
		return err
	}
	if p.PlannerMetadata != nil && p.PlannerMetadata.RecipeStepID == "" {
		return fmt.Errorf("%w: planner_metadata.recipe_step_id is required", ErrInvalidPayload)
	}
	return nil
}

// IsSkeleton reports whether the payload targets one recipe step.
func (p *PlanPayload) IsSkeleton() bool {
	return p.PlannerMetadata != nil
}

// InputRef points an EXECUTE job at one resolved source document.
type InputRef struct {
	ID          string       `json:"id"`
	Kind        ArtifactKind `json:"kind"`
	DocumentKey string       `json:"document_key,omitempty"`
	StageSlug   string       `json:"stage_slug,omitempty"`
	Bucket      string       `json:"bucket"`
	Path        string       `json:"path"`
	FileName    string       `json:"file_name"`
	SourceGroup string       `json:"source_group,omitempty"`
}

type ExecutePayload struct {
	JobContext
	PlannerMetadata PlannerMetadata `json:"planner_metadata"`
	OutputType      string          `json:"output_type"`
	DocumentKey     string          `json:"document_key"`
	Inputs          []InputRef      `json:"inputs"`

	// TemplateFilename, when set, schedules a RENDER job for the output once
	// the execution completes.
	TemplateFilename      string                 `json:"template_filename,omitempty"`
	DocumentRelationships *DocumentRelationships `json:"document_relationships,omitempty"`
}

// NeedsRender reports whether the output is only consumable after rendering.
func (p *ExecutePayload) NeedsRender() bool {
	return p.TemplateFilename != ""
}

func (p *ExecutePayload) Type() JobType       { return JobTypeExecute }
func (p *ExecutePayload) Context() JobContext { return p.JobContext }

func (p *ExecutePayload) Validate() error {
	if err := p.JobContext.validate(); err != nil {
		return err
	}
	if p.PlannerMetadata.RecipeStepID == "" {
		return fmt.Errorf("%w: planner_metadata.recipe_step_id is required", ErrInvalidPayload)
	}
	if p.DocumentKey == "" {
		return fmt.Errorf("%w: document_key is required", ErrInvalidPayload)
	}
	return nil
}

// RenderPayload publishes a generated document through a template. The
// rendered artifact is what "document" input rules consume.
type RenderPayload struct {
	JobContext
	PlannerMetadata       PlannerMetadata        `json:"planner_metadata"`
	DocumentKey           string                 `json:"document_key"`
	TemplateFilename      string                 `json:"template_filename"`
	Inputs                []InputRef             `json:"inputs,omitempty"`
	DocumentRelationships *DocumentRelationships `json:"document_relationships,omitempty"`
}

func (p *RenderPayload) Type() JobType       { return JobTypeRender }
func (p *RenderPayload) Context() JobContext { return p.JobContext }

func (p *RenderPayload) Validate() error {
	if err := p.JobContext.validate(); err != nil {
		return err
	}
	if p.DocumentKey == "" {
		return fmt.Errorf("%w: document_key is required", ErrInvalidPayload)
	}
	if p.TemplateFilename == "" {
		return fmt.Errorf("%w: template_filename is required", ErrInvalidPayload)
	}
	return nil
}

// StepID returns the recipe step a payload was planned from, if any.
func StepID(p JobPayload) string {
	switch v := p.(type) {
	case *PlanPayload:
		if v.PlannerMetadata != nil {
			return v.PlannerMetadata.RecipeStepID
		}
	case *ExecutePayload:
		return v.PlannerMetadata.RecipeStepID
	case *RenderPayload:
		return v.PlannerMetadata.RecipeStepID
	}
	return ""
}

// EncodePayload validates and serialises a payload for storage.
func EncodePayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload parses a stored payload into the concrete type for jobType.
func DecodePayload(jobType JobType, raw []byte) (JobPayload, error) {
	var p JobPayload
	switch jobType {
	case JobTypePlan:
		p = &PlanPayload{}
	case JobTypeExecute:
		p = &ExecutePayload{}
	case JobTypeRender:
		p = &RenderPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, jobType)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", ErrInvalidPayload, jobType, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
