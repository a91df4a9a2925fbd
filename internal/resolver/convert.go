package resolver

import (
	"fmt"

	"stagegraph.app/planner/internal/artifact"
	"stagegraph.app/planner/internal/model"
)

func checkStorage(kind model.ArtifactKind, id string, ref model.StorageRef) error {
	if !ref.Complete() {
		return fmt.Errorf("%w: %s %s (bucket=%q path=%q file_name=%q)",
			ErrDataIntegrity, kind, id, ref.Bucket, ref.Path, ref.FileName)
	}
	return nil
}

func fromContribution(c model.Contribution, inputType model.InputType) (model.SourceDocument, error) {
	if err := checkStorage(model.ArtifactKindContribution, c.ID, c.Storage); err != nil {
		return model.SourceDocument{}, err
	}

	key := artifact.DocumentKeyOf(c.Storage.FileName)
	if key == "" {
		key = c.ContributionType
	}

	return model.SourceDocument{
		ID:                    c.ID,
		Kind:                  model.ArtifactKindContribution,
		SessionID:             c.SessionID,
		StageSlug:             c.StageSlug,
		IterationNumber:       c.IterationNumber,
		Storage:               c.Storage,
		ContributionType:      c.ContributionType,
		DocumentKey:           key,
		ModelID:               c.ModelID,
		ModelName:             c.ModelName,
		DocumentRelationships: c.DocumentRelationships,
		InputType:             inputType,
	}, nil
}

func fromResource(res model.ProjectResource, inputType model.InputType) (model.SourceDocument, error) {
	if err := checkStorage(model.ArtifactKindResource, res.ID, res.Storage); err != nil {
		return model.SourceDocument{}, err
	}

	key := res.Description.DocumentKey
	if key == "" {
		key = artifact.DocumentKeyOf(res.Storage.FileName)
	}

	doc := model.SourceDocument{
		ID:          res.ID,
		Kind:        model.ArtifactKindResource,
		ProjectID:   res.ProjectID,
		Storage:     res.Storage,
		DocumentKey: key,
		ModelID:     res.Description.ModelID,
		InputType:   inputType,
	}
	if res.SessionID != nil {
		doc.SessionID = *res.SessionID
	}
	if res.StageSlug != nil {
		doc.StageSlug = *res.StageSlug
	}
	if res.IterationNumber != nil {
		doc.IterationNumber = *res.IterationNumber
	}
	if res.SourceContributionID != nil {
		doc.SourceContributionID = *res.SourceContributionID
	}
	return doc, nil
}

func fromFeedback(fb model.Feedback) (model.SourceDocument, error) {
	if err := checkStorage(model.ArtifactKindFeedback, fb.ID, fb.Storage); err != nil {
		return model.SourceDocument{}, err
	}

	return model.SourceDocument{
		ID:              fb.ID,
		Kind:            model.ArtifactKindFeedback,
		ProjectID:       fb.ProjectID,
		SessionID:       fb.SessionID,
		StageSlug:       fb.StageSlug,
		IterationNumber: fb.IterationNumber,
		Storage:         fb.Storage,
		DocumentKey:     fb.Metadata.DocumentKey,
		ModelID:         fb.Metadata.ModelID,
		InputType:       model.InputTypeFeedback,
	}, nil
}
