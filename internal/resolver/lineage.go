package resolver

import (
	"context"
	"log/slog"

	"stagegraph.app/planner/internal/artifact"
	"stagegraph.app/planner/internal/model"
)

// enrichLineage fills in source_group tags so a document, the contribution it
// was rendered from and any feedback on it group together. Lookup failures are
// logged and leave the tags unset.
func (r *Resolver) enrichLineage(ctx context.Context, docs []model.SourceDocument) {
	r.enrichRenderedFromContributions(ctx, docs)
	enrichFeedbackFromDocuments(docs)
}

func (r *Resolver) enrichRenderedFromContributions(ctx context.Context, docs []model.SourceDocument) {
	var ids []string
	wanted := make(map[string]struct{})
	for _, d := range docs {
		if d.Kind != model.ArtifactKindResource || d.SourceContributionID == "" || d.SourceGroup() != "" {
			continue
		}
		if _, dup := wanted[d.SourceContributionID]; dup {
			continue
		}
		wanted[d.SourceContributionID] = struct{}{}
		ids = append(ids, d.SourceContributionID)
	}
	if len(ids) == 0 {
		return
	}

	contributions, err := r.contributions.GetContributionsByIDs(ctx, ids)
	if err != nil {
		slog.WarnContext(ctx, "source group lookup failed",
			"error", err,
			"contribution_count", len(ids))
		return
	}

	groups := make(map[string]*model.DocumentRelationships, len(contributions))
	for _, c := range contributions {
		if model.SourceGroupOf(c.DocumentRelationships) != "" {
			groups[c.ID] = c.DocumentRelationships
		}
	}

	for i := range docs {
		rel, ok := groups[docs[i].SourceContributionID]
		if !ok || docs[i].SourceGroup() != "" {
			continue
		}
		docs[i].DocumentRelationships = mergeSourceGroup(docs[i].DocumentRelationships, rel.SourceGroup)
	}
}

// enrichFeedbackFromDocuments tags feedback with the source group of the
// document sharing its base filename.
func enrichFeedbackFromDocuments(docs []model.SourceDocument) {
	byBase := make(map[string]string)
	for _, d := range docs {
		if d.Kind == model.ArtifactKindFeedback || d.SourceGroup() == "" {
			continue
		}
		base, ok := artifact.BaseName(d.Storage.FileName)
		if !ok {
			continue
		}
		if _, exists := byBase[base]; !exists {
			byBase[base] = d.SourceGroup()
		}
	}
	if len(byBase) == 0 {
		return
	}

	for i := range docs {
		if docs[i].Kind != model.ArtifactKindFeedback || docs[i].SourceGroup() != "" {
			continue
		}
		base, ok := artifact.BaseName(docs[i].Storage.FileName)
		if !ok {
			continue
		}
		if group, ok := byBase[base]; ok {
			docs[i].DocumentRelationships = mergeSourceGroup(docs[i].DocumentRelationships, group)
		}
	}
}

func mergeSourceGroup(rel *model.DocumentRelationships, group string) *model.DocumentRelationships {
	out := &model.DocumentRelationships{SourceGroup: group}
	if rel != nil && len(rel.Stages) > 0 {
		out.Stages = make(map[string]string, len(rel.Stages))
		for k, v := range rel.Stages {
			out.Stages[k] = v
		}
	}
	return out
}
