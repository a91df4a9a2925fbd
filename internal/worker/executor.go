package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"stagegraph.app/planner/common/id"
	"stagegraph.app/planner/internal/artifact"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/processor"
	"stagegraph.app/planner/internal/store"
)

// StubExecutor stands in for model invocation and template rendering. It
// writes placeholder artifacts so downstream planning can resolve them, and
// schedules the RENDER job of every EXECUTE output that needs one.
type StubExecutor struct {
	content store.ContentStore
	bucket  string
	newID   func() int64
}

func NewStubExecutor(content store.ContentStore, bucket string) *StubExecutor {
	return &StubExecutor{
		content: content,
		bucket:  bucket,
		newID:   id.New,
	}
}

func (e *StubExecutor) Handle(ctx context.Context, job *model.Job, sp store.Provider) (*processor.Result, error) {
	switch p := job.Payload.(type) {
	case *model.ExecutePayload:
		return e.execute(ctx, job, p, sp)
	case *model.RenderPayload:
		return e.render(ctx, job, p, sp)
	default:
		return nil, fmt.Errorf("%w: stub executor cannot run %s job %d", model.ErrInvalidPayload, job.JobType, job.ID)
	}
}

func (e *StubExecutor) execute(ctx context.Context, job *model.Job, p *model.ExecutePayload, sp store.Provider) (*processor.Result, error) {
	kind := artifact.FileKindDocument
	if p.NeedsRender() {
		kind = artifact.FileKindRaw
	}
	name, err := artifact.New(modelLabel(p.JobContext), attemptIndex(job), p.DocumentKey, kind, "md")
	if err != nil {
		return nil, fmt.Errorf("naming output of job %d: %w", job.ID, err)
	}

	ref := model.StorageRef{
		Bucket:   e.bucket,
		Path:     artifact.StagePath(p.ProjectID, p.SessionID, p.IterationNumber, p.StageSlug),
		FileName: name.Build(),
	}
	if _, err := e.content.Write(ctx, ref, executionBody(job, p)); err != nil {
		return nil, fmt.Errorf("writing output of job %d: %w", job.ID, err)
	}

	contribution := &model.Contribution{
		ID:                    uuid.NewString(),
		SessionID:             p.SessionID,
		StageSlug:             p.StageSlug,
		IterationNumber:       p.IterationNumber,
		ModelID:               p.ModelID,
		ModelName:             p.ModelName,
		ContributionType:      p.OutputType,
		Storage:               ref,
		IsLatestEdit:          true,
		DocumentRelationships: p.DocumentRelationships,
	}
	if err := sp.Contributions().Create(ctx, contribution); err != nil {
		return nil, fmt.Errorf("recording contribution of job %d: %w", job.ID, err)
	}

	var enqueue []int64
	if p.NeedsRender() {
		render := e.renderJobFor(job, p, contribution)
		if err := sp.Jobs().InsertBatch(ctx, []*model.Job{render}); err != nil {
			return nil, fmt.Errorf("scheduling render for job %d: %w", job.ID, err)
		}
		enqueue = append(enqueue, render.ID)
		slog.InfoContext(ctx, "render scheduled", "render_job_id", render.ID, "document_key", p.DocumentKey)
	}

	released, err := sp.Jobs().Complete(ctx, job.ID, &model.JobResults{SpawnedJobIDs: enqueue})
	if err != nil {
		return nil, fmt.Errorf("completing job %d: %w", job.ID, err)
	}

	slog.InfoContext(ctx, "stub executor: contribution written",
		"contribution_id", contribution.ID,
		"file_name", ref.FileName,
		"input_count", len(p.Inputs))
	return &processor.Result{Status: model.JobStatusCompleted, Enqueue: append(enqueue, released...)}, nil
}

// renderJobFor builds the RENDER job of an EXECUTE output. It joins the
// EXECUTE job's parent so the planning job keeps waiting until the rendered
// document exists.
func (e *StubExecutor) renderJobFor(job *model.Job, p *model.ExecutePayload, c *model.Contribution) *model.Job {
	jc := p.JobContext
	jc.SourceContributionID = c.ID
	return &model.Job{
		ID:              e.newID(),
		ParentJobID:     job.ParentJobID,
		SessionID:       job.SessionID,
		StageSlug:       job.StageSlug,
		IterationNumber: job.IterationNumber,
		JobType:         model.JobTypeRender,
		Status:          model.JobStatusPending,
		Payload: &model.RenderPayload{
			JobContext:       jc,
			PlannerMetadata:  p.PlannerMetadata,
			DocumentKey:      p.DocumentKey,
			TemplateFilename: p.TemplateFilename,
			Inputs: []model.InputRef{{
				ID:          c.ID,
				Kind:        model.ArtifactKindContribution,
				DocumentKey: p.DocumentKey,
				StageSlug:   c.StageSlug,
				Bucket:      c.Storage.Bucket,
				Path:        c.Storage.Path,
				FileName:    c.Storage.FileName,
				SourceGroup: model.SourceGroupOf(c.DocumentRelationships),
			}},
			DocumentRelationships: p.DocumentRelationships,
		},
		MaxRetries: job.MaxRetries,
	}
}

func (e *StubExecutor) render(ctx context.Context, job *model.Job, p *model.RenderPayload, sp store.Provider) (*processor.Result, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "<!-- rendered with %s -->\n", p.TemplateFilename)
	for _, in := range p.Inputs {
		raw, err := e.content.Read(ctx, model.StorageRef{Bucket: in.Bucket, Path: in.Path, FileName: in.FileName})
		if err != nil {
			return nil, fmt.Errorf("reading render input %s: %w", in.FileName, err)
		}
		body.Write(raw)
	}

	name, err := artifact.New(modelLabel(p.JobContext), attemptIndex(job), p.DocumentKey, artifact.FileKindDocument, "md")
	if err != nil {
		return nil, fmt.Errorf("naming rendered document of job %d: %w", job.ID, err)
	}
	ref := model.StorageRef{
		Bucket:   e.bucket,
		Path:     artifact.RenderedPath(p.ProjectID, p.SessionID, p.IterationNumber, p.StageSlug),
		FileName: name.Build(),
	}
	if _, err := e.content.Write(ctx, ref, []byte(body.String())); err != nil {
		return nil, fmt.Errorf("writing rendered document of job %d: %w", job.ID, err)
	}

	resource := &model.ProjectResource{
		ID:              uuid.NewString(),
		ProjectID:       p.ProjectID,
		SessionID:       &p.SessionID,
		StageSlug:       &p.StageSlug,
		IterationNumber: &p.IterationNumber,
		ResourceType:    model.ResourceTypeRenderedDocument,
		Storage:         ref,
		Description: model.ResourceDescription{
			Type:        model.ResourceTypeRenderedDocument,
			DocumentKey: p.DocumentKey,
			ModelID:     p.ModelID,
		},
	}
	if p.SourceContributionID != "" {
		resource.SourceContributionID = &p.SourceContributionID
	}
	if err := sp.Resources().Create(ctx, resource); err != nil {
		return nil, fmt.Errorf("recording rendered document of job %d: %w", job.ID, err)
	}

	released, err := sp.Jobs().Complete(ctx, job.ID, &model.JobResults{})
	if err != nil {
		return nil, fmt.Errorf("completing job %d: %w", job.ID, err)
	}

	slog.InfoContext(ctx, "stub executor: document rendered",
		"resource_id", resource.ID,
		"file_name", ref.FileName)
	return &processor.Result{Status: model.JobStatusCompleted, Enqueue: released}, nil
}

func executionBody(job *model.Job, p *model.ExecutePayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.DocumentKey)
	fmt.Fprintf(&b, "step: %s\nmodel: %s\njob: %d\n\n", p.PlannerMetadata.RecipeStepID, modelLabel(p.JobContext), job.ID)
	for _, in := range p.Inputs {
		fmt.Fprintf(&b, "- %s (%s) %s/%s\n", in.DocumentKey, in.Kind, in.Path, in.FileName)
	}
	return []byte(b.String())
}

func modelLabel(jc model.JobContext) string {
	if jc.ModelName != "" {
		return jc.ModelName
	}
	return jc.ModelID
}

// attemptIndex numbers output files from zero.
func attemptIndex(job *model.Job) int {
	if job.AttemptCount <= 1 {
		return 0
	}
	return job.AttemptCount - 1
}
