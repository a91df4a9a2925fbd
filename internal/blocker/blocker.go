// Package blocker finds the live job expected to produce a missing artifact.
package blocker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"stagegraph.app/planner/internal/model"
)

type JobLister interface {
	List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error)
}

type Resolver struct {
	jobs JobLister
}

func New(jobs JobLister) *Resolver {
	return &Resolver{jobs: jobs}
}

// searchOrder is the order producers are looked for: the generating job first,
// then the rendering pass that publishes its output, then a skeleton still
// waiting to plan the producing step.
var searchOrder = []model.JobType{
	model.JobTypeExecute,
	model.JobTypeRender,
	model.JobTypePlan,
}

// FindNextBlocker returns the most specific live job that will produce the
// artifact, or nil when no job in the system is expected to.
func (r *Resolver) FindNextBlocker(ctx context.Context, missing model.RequiredArtifactIdentity) (*model.Job, error) {
	for _, jobType := range searchOrder {
		candidates, err := r.jobs.List(ctx, model.JobFilter{
			JobTypes:          []model.JobType{jobType},
			Statuses:          model.LiveStatuses,
			SessionID:         missing.SessionID,
			StageSlug:         missing.StageSlug,
			IterationNumber:   missing.IterationNumber,
			OutputDocumentKey: missing.DocumentKey,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s candidates for %s: %w", jobType, missing.DocumentKey, err)
		}

		if best := pick(candidates, missing); best != nil {
			slog.DebugContext(ctx, "blocker found",
				"document_key", missing.DocumentKey,
				"blocker_job_id", best.ID,
				"blocker_job_type", best.JobType,
				"blocker_status", best.Status)
			return best, nil
		}
	}
	return nil, nil
}

type candidate struct {
	job   *model.Job
	score int
}

func pick(jobs []*model.Job, missing model.RequiredArtifactIdentity) *model.Job {
	var ranked []candidate
	for _, job := range jobs {
		if job.Status.Terminal() || !producesKey(job, missing.DocumentKey) {
			continue
		}
		score, ok := specificity(job, missing)
		if !ok {
			continue
		}
		ranked = append(ranked, candidate{job: job, score: score})
	}
	if len(ranked) == 0 {
		return nil
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].job.ID < ranked[j].job.ID
	})
	return ranked[0].job
}

func producesKey(job *model.Job, documentKey string) bool {
	switch p := job.Payload.(type) {
	case *model.ExecutePayload:
		return p.DocumentKey == documentKey || p.PlannerMetadata.OutputDocumentKey == documentKey
	case *model.RenderPayload:
		return p.DocumentKey == documentKey || p.PlannerMetadata.OutputDocumentKey == documentKey
	case *model.PlanPayload:
		return p.PlannerMetadata != nil && p.PlannerMetadata.OutputDocumentKey == documentKey
	}
	return false
}

// specificity scores how closely a job matches the missing artifact's
// discriminators. A job bound to a different model can never produce the
// artifact and is rejected.
func specificity(job *model.Job, missing model.RequiredArtifactIdentity) (int, bool) {
	jc := job.Payload.Context()
	meta := metadataOf(job.Payload)

	score := 0
	if missing.ModelID != "" && jc.ModelID != "" {
		if jc.ModelID != missing.ModelID {
			return 0, false
		}
		score += 8
	}
	if missing.BranchKey != "" && meta.BranchKey == missing.BranchKey {
		score += 4
	}
	if missing.ParallelGroup != nil && meta.ParallelGroup != nil && *meta.ParallelGroup == *missing.ParallelGroup {
		score += 2
	}
	if missing.SourceGroupFragment != "" && strings.HasPrefix(sourceGroupOf(job.Payload), missing.SourceGroupFragment) {
		score++
	}
	return score, true
}

func metadataOf(p model.JobPayload) model.PlannerMetadata {
	switch v := p.(type) {
	case *model.ExecutePayload:
		return v.PlannerMetadata
	case *model.RenderPayload:
		return v.PlannerMetadata
	case *model.PlanPayload:
		if v.PlannerMetadata != nil {
			return *v.PlannerMetadata
		}
	}
	return model.PlannerMetadata{}
}

func sourceGroupOf(p model.JobPayload) string {
	switch v := p.(type) {
	case *model.ExecutePayload:
		return model.SourceGroupOf(v.DocumentRelationships)
	case *model.RenderPayload:
		return model.SourceGroupOf(v.DocumentRelationships)
	}
	return ""
}
