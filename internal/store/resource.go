package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"stagegraph.app/planner/core/db"
	"stagegraph.app/planner/internal/model"
)

const resourceColumns = `id, project_id, session_id, stage_slug, iteration_number, resource_type,
	source_contribution_id, COALESCE(storage_bucket, ''), COALESCE(storage_path, ''), COALESCE(file_name, ''),
	resource_description, created_at`

type resourceStore struct {
	conn db.DBTX
}

func newResourceStore(conn db.DBTX) ResourceStore {
	return &resourceStore{conn: conn}
}

func (s *resourceStore) Create(ctx context.Context, r *model.ProjectResource) error {
	description, err := json.Marshal(r.Description)
	if err != nil {
		return fmt.Errorf("encoding resource_description: %w", err)
	}
	err = s.conn.QueryRow(ctx, `INSERT INTO project_resources (
			id, project_id, session_id, stage_slug, iteration_number, resource_type,
			source_contribution_id, storage_bucket, storage_path, file_name, resource_description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)
		RETURNING created_at`,
		r.ID, r.ProjectID, r.SessionID, r.StageSlug, r.IterationNumber, r.ResourceType,
		r.SourceContributionID, r.Storage.Bucket, r.Storage.Path, r.Storage.FileName, description,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting resource %s: %w", r.ID, mapPgError(err))
	}
	return nil
}

func (s *resourceStore) ListResources(ctx context.Context, f model.ResourceFilter) ([]model.ProjectResource, error) {
	var c conds
	if f.ProjectID != "" {
		c.add("project_id = ?", f.ProjectID)
	}
	if f.ResourceType != "" {
		c.add("resource_type = ?", f.ResourceType)
	}
	if f.StoragePath != "" {
		c.add("trim(both '/' from storage_path) = trim(both '/' from ?::text)", f.StoragePath)
	}
	if f.DocumentKey != "" {
		c.add("resource_description ->> 'document_key' = ?", f.DocumentKey)
	}
	if f.SessionID != "" {
		c.add("session_id = ?", f.SessionID)
	}
	if f.StageSlug != "" {
		c.add("stage_slug = ?", f.StageSlug)
	}
	if f.IterationNumber != 0 {
		c.add("iteration_number = ?", f.IterationNumber)
	}
	if f.ModelID != "" {
		c.add("resource_description ->> 'model_id' = ?", f.ModelID)
	}
	if f.SourceContributionID != "" {
		c.add("source_contribution_id = ?", f.SourceContributionID)
	}

	rows, err := s.conn.Query(ctx, `SELECT `+resourceColumns+` FROM project_resources`+c.where()+` ORDER BY created_at, id`, c.args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ProjectResource, error) {
		var (
			r           model.ProjectResource
			description []byte
		)
		if err := row.Scan(
			&r.ID, &r.ProjectID, &r.SessionID, &r.StageSlug, &r.IterationNumber, &r.ResourceType,
			&r.SourceContributionID, &r.Storage.Bucket, &r.Storage.Path, &r.Storage.FileName,
			&description, &r.CreatedAt,
		); err != nil {
			return r, err
		}
		if err := json.Unmarshal(description, &r.Description); err != nil {
			return r, fmt.Errorf("resource %s: decoding resource_description: %w", r.ID, err)
		}
		return r, nil
	})
}
