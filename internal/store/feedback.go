package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"stagegraph.app/planner/core/db"
	"stagegraph.app/planner/internal/model"
)

type feedbackStore struct {
	conn db.DBTX
}

func newFeedbackStore(conn db.DBTX) FeedbackStore {
	return &feedbackStore{conn: conn}
}

func (s *feedbackStore) Create(ctx context.Context, f *model.Feedback) error {
	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("encoding feedback metadata: %w", err)
	}
	err = s.conn.QueryRow(ctx, `INSERT INTO feedback (
			id, project_id, session_id, stage_slug, iteration_number, feedback_type,
			storage_bucket, storage_path, file_name, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
		RETURNING created_at`,
		f.ID, f.ProjectID, f.SessionID, f.StageSlug, f.IterationNumber, f.FeedbackType,
		f.Storage.Bucket, f.Storage.Path, f.Storage.FileName, metadata,
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting feedback %s: %w", f.ID, mapPgError(err))
	}
	return nil
}

func (s *feedbackStore) ListFeedback(ctx context.Context, f model.FeedbackFilter) ([]model.Feedback, error) {
	var c conds
	if f.SessionID != "" {
		c.add("session_id = ?", f.SessionID)
	}
	if f.IterationNumber != 0 {
		c.add("iteration_number = ?", f.IterationNumber)
	}
	if f.StageSlug != "" {
		c.add("stage_slug = ?", f.StageSlug)
	}
	if f.ModelID != "" {
		c.add("metadata ->> 'model_id' = ?", f.ModelID)
	}
	if f.DocumentKey != "" {
		c.add("metadata ->> 'document_key' = ?", f.DocumentKey)
	}

	rows, err := s.conn.Query(ctx, `SELECT id, project_id, session_id, stage_slug, iteration_number, feedback_type,
			COALESCE(storage_bucket, ''), COALESCE(storage_path, ''), COALESCE(file_name, ''), metadata, created_at
		FROM feedback`+c.where()+` ORDER BY created_at, id`, c.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Feedback, error) {
		var (
			fb       model.Feedback
			metadata []byte
		)
		if err := row.Scan(
			&fb.ID, &fb.ProjectID, &fb.SessionID, &fb.StageSlug, &fb.IterationNumber, &fb.FeedbackType,
			&fb.Storage.Bucket, &fb.Storage.Path, &fb.Storage.FileName, &metadata, &fb.CreatedAt,
		); err != nil {
			return fb, err
		}
		if err := json.Unmarshal(metadata, &fb.Metadata); err != nil {
			return fb, fmt.Errorf("feedback %s: decoding metadata: %w", fb.ID, err)
		}
		return fb, nil
	})
}
