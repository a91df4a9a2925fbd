package model

import (
	"encoding/json"
	"time"
)

type ArtifactKind string

const (
	ArtifactKindContribution ArtifactKind = "contribution"
	ArtifactKindResource     ArtifactKind = "resource"
	ArtifactKindFeedback     ArtifactKind = "feedback"
)

// Project resource types the resolver knows about.
const (
	ResourceTypeRenderedDocument  = "rendered_document"
	ResourceTypeInitialUserPrompt = "initial_user_prompt"
	ResourceTypeProjectResource   = "project_resource"
)

// DocumentRelationships is the lineage descriptor of an artifact. It holds the
// source_group shared by everything descended from one generation run, plus
// one contribution id per stage the artifact derives from.
type DocumentRelationships struct {
	SourceGroup string
	Stages      map[string]string
}

func (r DocumentRelationships) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(r.Stages)+1)
	for stage, id := range r.Stages {
		out[stage] = id
	}
	if r.SourceGroup != "" {
		out["source_group"] = r.SourceGroup
	}
	return json.Marshal(out)
}

func (r *DocumentRelationships) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.SourceGroup = ""
	r.Stages = nil
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "source_group" {
			r.SourceGroup = s
			continue
		}
		if r.Stages == nil {
			r.Stages = make(map[string]string)
		}
		r.Stages[k] = s
	}
	return nil
}

// SourceGroupOf returns the source group of a possibly nil descriptor.
func SourceGroupOf(r *DocumentRelationships) string {
	if r == nil {
		return ""
	}
	return r.SourceGroup
}

// StorageRef locates an artifact in object storage.
type StorageRef struct {
	Bucket   string `json:"bucket"`
	Path     string `json:"path"`
	FileName string `json:"file_name"`
}

// Complete reports whether every storage coordinate is present.
func (s StorageRef) Complete() bool {
	return s.Bucket != "" && s.Path != "" && s.FileName != ""
}

type Contribution struct {
	ID                    string                 `json:"id"`
	SessionID             string                 `json:"session_id"`
	StageSlug             string                 `json:"stage_slug"`
	IterationNumber       int                    `json:"iteration_number"`
	ModelID               string                 `json:"model_id,omitempty"`
	ModelName             string                 `json:"model_name,omitempty"`
	ContributionType      string                 `json:"contribution_type"`
	Storage               StorageRef             `json:"storage"`
	IsLatestEdit          bool                   `json:"is_latest_edit"`
	DocumentRelationships *DocumentRelationships `json:"document_relationships,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
}

// ResourceDescription is the structured description payload of a project
// resource.
type ResourceDescription struct {
	Type        string `json:"type,omitempty"`
	DocumentKey string `json:"document_key,omitempty"`
	ModelID     string `json:"model_id,omitempty"`
}

type ProjectResource struct {
	ID                   string              `json:"id"`
	ProjectID            string              `json:"project_id"`
	SessionID            *string             `json:"session_id,omitempty"`
	StageSlug            *string             `json:"stage_slug,omitempty"`
	IterationNumber      *int                `json:"iteration_number,omitempty"`
	ResourceType         string              `json:"resource_type"`
	SourceContributionID *string             `json:"source_contribution_id,omitempty"`
	Storage              StorageRef          `json:"storage"`
	Description          ResourceDescription `json:"description"`
	CreatedAt            time.Time           `json:"created_at"`
}

type FeedbackMetadata struct {
	DocumentKey string `json:"document_key,omitempty"`
	ModelID     string `json:"model_id,omitempty"`
}

type Feedback struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id"`
	SessionID       string           `json:"session_id"`
	StageSlug       string           `json:"stage_slug"`
	IterationNumber int              `json:"iteration_number"`
	FeedbackType    string           `json:"feedback_type"`
	Storage         StorageRef       `json:"storage"`
	Metadata        FeedbackMetadata `json:"metadata"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SourceDocument is a resolved artifact reference. Content is never loaded.
type SourceDocument struct {
	ID                    string                 `json:"id"`
	Kind                  ArtifactKind           `json:"kind"`
	ProjectID             string                 `json:"project_id,omitempty"`
	SessionID             string                 `json:"session_id,omitempty"`
	StageSlug             string                 `json:"stage_slug,omitempty"`
	IterationNumber       int                    `json:"iteration_number,omitempty"`
	Storage               StorageRef             `json:"storage"`
	ContributionType      string                 `json:"contribution_type,omitempty"`
	DocumentKey           string                 `json:"document_key,omitempty"`
	ModelID               string                 `json:"model_id,omitempty"`
	ModelName             string                 `json:"model_name,omitempty"`
	SourceContributionID  string                 `json:"source_contribution_id,omitempty"`
	DocumentRelationships *DocumentRelationships `json:"document_relationships,omitempty"`
	InputType             InputType              `json:"input_type"`
}

// SourceGroup returns the lineage group of the document, if known.
func (d SourceDocument) SourceGroup() string {
	return SourceGroupOf(d.DocumentRelationships)
}

// InputRef converts the document into the reference stored on a planned job.
func (d SourceDocument) InputRef() InputRef {
	return InputRef{
		ID:          d.ID,
		Kind:        d.Kind,
		DocumentKey: d.DocumentKey,
		StageSlug:   d.StageSlug,
		Bucket:      d.Storage.Bucket,
		Path:        d.Storage.Path,
		FileName:    d.Storage.FileName,
		SourceGroup: d.SourceGroup(),
	}
}

// RequiredArtifactIdentity is the coordinate set of an artifact a skeleton job
// is waiting for. It is enough to re-run resolution and blocker search later.
type RequiredArtifactIdentity struct {
	ProjectID           string    `json:"project_id"`
	SessionID           string    `json:"session_id"`
	StageSlug           string    `json:"stage_slug"`
	IterationNumber     int       `json:"iteration_number"`
	ModelID             string    `json:"model_id,omitempty"`
	DocumentKey         string    `json:"document_key"`
	InputType           InputType `json:"input_type,omitempty"`
	BranchKey           string    `json:"branch_key,omitempty"`
	ParallelGroup       *int      `json:"parallel_group,omitempty"`
	SourceGroupFragment string    `json:"source_group_fragment,omitempty"`
}
