package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"stagegraph.app/planner/core/db"
	"stagegraph.app/planner/internal/model"
)

const contributionColumns = `id, session_id, stage_slug, iteration_number,
	COALESCE(model_id, ''), COALESCE(model_name, ''), contribution_type,
	COALESCE(storage_bucket, ''), COALESCE(storage_path, ''), COALESCE(file_name, ''),
	is_latest_edit, document_relationships, created_at`

type contributionStore struct {
	conn db.DBTX
}

func newContributionStore(conn db.DBTX) ContributionStore {
	return &contributionStore{conn: conn}
}

func (s *contributionStore) Create(ctx context.Context, c *model.Contribution) error {
	relationships, err := encodeRelationships(c.DocumentRelationships)
	if err != nil {
		return err
	}
	err = s.conn.QueryRow(ctx, `INSERT INTO contributions (
			id, session_id, stage_slug, iteration_number, model_id, model_name, contribution_type,
			storage_bucket, storage_path, file_name, is_latest_edit, document_relationships
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		RETURNING created_at`,
		c.ID, c.SessionID, c.StageSlug, c.IterationNumber, c.ModelID, c.ModelName, c.ContributionType,
		c.Storage.Bucket, c.Storage.Path, c.Storage.FileName, c.IsLatestEdit, relationships,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting contribution %s: %w", c.ID, mapPgError(err))
	}
	return nil
}

func (s *contributionStore) ListContributions(ctx context.Context, f model.ContributionFilter) ([]model.Contribution, error) {
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
		c.add("model_id = ?", f.ModelID)
	}
	if f.ContributionType != "" {
		c.add("contribution_type = ?", f.ContributionType)
	}
	if f.LatestEditOnly {
		c.add("is_latest_edit = ?", true)
	}
	return s.query(ctx, `SELECT `+contributionColumns+` FROM contributions`+c.where()+` ORDER BY created_at, id`, c.args...)
}

func (s *contributionStore) GetContributionsByIDs(ctx context.Context, ids []string) ([]model.Contribution, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = ANY($1) ORDER BY id`, ids)
}

func (s *contributionStore) query(ctx context.Context, sql string, args ...any) ([]model.Contribution, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Contribution, error) {
		var (
			c             model.Contribution
			relationships []byte
		)
		if err := row.Scan(
			&c.ID, &c.SessionID, &c.StageSlug, &c.IterationNumber, &c.ModelID, &c.ModelName, &c.ContributionType,
			&c.Storage.Bucket, &c.Storage.Path, &c.Storage.FileName, &c.IsLatestEdit, &relationships, &c.CreatedAt,
		); err != nil {
			return c, err
		}
		if len(relationships) > 0 {
			c.DocumentRelationships = &model.DocumentRelationships{}
			if err := json.Unmarshal(relationships, c.DocumentRelationships); err != nil {
				return c, fmt.Errorf("contribution %s: decoding document_relationships: %w", c.ID, err)
			}
		}
		return c, nil
	})
}

func encodeRelationships(r *model.DocumentRelationships) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding document_relationships: %w", err)
	}
	return data, nil
}
