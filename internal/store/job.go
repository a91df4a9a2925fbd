package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"stagegraph.app/planner/core/db"
	"stagegraph.app/planner/internal/model"
)

const jobColumns = `id, parent_job_id, prerequisite_job_id, session_id, stage_slug, iteration_number,
	job_type, status, payload, results, attempt_count, max_retries, error_details,
	created_at, updated_at, started_at, completed_at`

var terminalStatuses = []string{string(model.JobStatusCompleted), string(model.JobStatusFailed)}

type jobStore struct {
	conn db.DBTX
}

func newJobStore(conn db.DBTX) JobStore {
	return &jobStore{conn: conn}
}

func (s *jobStore) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *jobStore) List(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	var c conds
	if len(filter.IDs) > 0 {
		c.add("id = ANY(?)", filter.IDs)
	}
	if len(filter.JobTypes) > 0 {
		types := make([]string, 0, len(filter.JobTypes))
		for _, t := range filter.JobTypes {
			types = append(types, string(t))
		}
		c.add("job_type = ANY(?)", types)
	}
	if len(filter.Statuses) > 0 {
		c.add("status = ANY(?)", statusStrings(filter.Statuses))
	}
	if filter.SessionID != "" {
		c.add("session_id = ?", filter.SessionID)
	}
	if filter.StageSlug != "" {
		c.add("stage_slug = ?", filter.StageSlug)
	}
	if filter.IterationNumber != 0 {
		c.add("iteration_number = ?", filter.IterationNumber)
	}
	if filter.ParentJobID != nil {
		c.add("parent_job_id = ?", *filter.ParentJobID)
	}
	if filter.RecipeStepID != "" {
		c.add("payload -> 'planner_metadata' ->> 'recipe_step_id' = ?", filter.RecipeStepID)
	}
	if filter.ModelID != "" {
		c.add("payload ->> 'model_id' = ?", filter.ModelID)
	}
	if filter.OutputDocumentKey != "" {
		c.add(`(payload ->> 'document_key' = ? OR payload -> 'planner_metadata' ->> 'output_document_key' = ?)`, filter.OutputDocumentKey)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + c.where() + ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + c.next(filter.Limit)
	}
	return s.queryJobs(ctx, query, c.args...)
}

func (s *jobStore) InsertBatch(ctx context.Context, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		payload, err := model.EncodePayload(j.Payload)
		if err != nil {
			return fmt.Errorf("job %d: %w", j.ID, err)
		}
		results, err := encodeResults(j.Results)
		if err != nil {
			return fmt.Errorf("job %d: %w", j.ID, err)
		}
		batch.Queue(`INSERT INTO jobs (
			id, parent_job_id, prerequisite_job_id, session_id, stage_slug, iteration_number,
			job_type, status, payload, results, attempt_count, max_retries, error_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			j.ID, j.ParentJobID, j.PrerequisiteJobID, j.SessionID, j.StageSlug, j.IterationNumber,
			string(j.JobType), string(j.Status), payload, results, j.AttemptCount, j.MaxRetries, j.ErrorDetails)
	}

	br := s.conn.SendBatch(ctx, batch)
	defer br.Close()
	for _, j := range jobs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting job %d: %w", j.ID, mapPgError(err))
		}
	}
	return br.Close()
}

func (s *jobStore) Claim(ctx context.Context, id int64) (*model.Job, error) {
	row := s.conn.QueryRow(ctx, `UPDATE jobs
		SET status = 'processing', attempt_count = attempt_count + 1, started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.missOrConflict(ctx, id)
		}
		return nil, err
	}
	return job, nil
}

func (s *jobStore) Transition(ctx context.Context, t model.Transition) (*model.Job, error) {
	if t.To.Terminal() {
		return nil, fmt.Errorf("%w: job %d must settle through Complete or Fail", model.ErrInvalidTransition, t.JobID)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	results, err := encodeResults(t.Results)
	if err != nil {
		return nil, err
	}

	row := s.conn.QueryRow(ctx, `UPDATE jobs SET
			status = $2,
			prerequisite_job_id = CASE WHEN $3::boolean THEN NULL ELSE COALESCE($4::bigint, prerequisite_job_id) END,
			results = COALESCE($5::jsonb, results),
			error_details = COALESCE($6::text, error_details),
			attempt_count = CASE WHEN $7::boolean THEN 0 ELSE attempt_count END,
			updated_at = now()
		WHERE id = $1 AND status = ANY($8)
		RETURNING `+jobColumns,
		t.JobID, string(t.To), t.ClearPrerequisite, t.PrerequisiteJobID, results, t.ErrorDetails,
		t.ResetAttempts, statusStrings(t.From))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.missOrConflict(ctx, t.JobID)
		}
		return nil, mapPgError(err)
	}
	return job, nil
}

func (s *jobStore) Complete(ctx context.Context, id int64, results *model.JobResults) ([]int64, error) {
	if err := s.settle(ctx, id, model.JobStatusCompleted, []model.JobStatus{
		model.JobStatusProcessing, model.JobStatusWaitingForChildren,
	}, results, nil); err != nil {
		return nil, err
	}
	return s.cascade(ctx, id)
}

func (s *jobStore) Fail(ctx context.Context, id int64, errorDetails string) ([]int64, error) {
	if err := s.settle(ctx, id, model.JobStatusFailed, []model.JobStatus{
		model.JobStatusPending, model.JobStatusProcessing,
		model.JobStatusWaitingForPrerequisite, model.JobStatusWaitingForChildren,
	}, nil, &errorDetails); err != nil {
		return nil, err
	}
	return s.cascade(ctx, id)
}

func (s *jobStore) ReleaseOrphaned(ctx context.Context) ([]int64, error) {
	rows, err := s.conn.Query(ctx, `UPDATE jobs AS j
		SET status = 'pending', updated_at = now()
		WHERE j.status = 'waiting_for_prerequisite'
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs AS p
		      WHERE p.id = j.prerequisite_job_id AND p.status <> ALL($1)
		  )
		RETURNING j.id`, terminalStatuses)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *jobStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Job, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY id
		LIMIT $2`, before, lim)
}

// settle moves one job to a terminal status.
func (s *jobStore) settle(ctx context.Context, id int64, to model.JobStatus, from []model.JobStatus, results *model.JobResults, errorDetails *string) error {
	encoded, err := encodeResults(results)
	if err != nil {
		return err
	}
	tag, err := s.conn.Exec(ctx, `UPDATE jobs SET
			status = $2,
			prerequisite_job_id = NULL,
			results = COALESCE($3::jsonb, results),
			error_details = COALESCE($4::text, error_details),
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = ANY($5)`,
		id, string(to), encoded, errorDetails, statusStrings(from))
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// cascade runs the completion hook from a freshly settled job: its waiting
// dependents return to pending and a parent whose children are all terminal
// settles too, recursively. The parent row is locked before its children are
// counted so concurrent sibling completions serialise on it.
func (s *jobStore) cascade(ctx context.Context, id int64) ([]int64, error) {
	var released []int64
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		rows, err := s.conn.Query(ctx, `UPDATE jobs
			SET status = 'pending', updated_at = now()
			WHERE status = 'waiting_for_prerequisite' AND prerequisite_job_id = $1
			RETURNING id`, cur)
		if err != nil {
			return nil, fmt.Errorf("releasing dependents of job %d: %w", cur, err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return nil, err
		}
		released = append(released, ids...)

		var parentID *int64
		if err := s.conn.QueryRow(ctx, `SELECT parent_job_id FROM jobs WHERE id = $1`, cur).Scan(&parentID); err != nil {
			return nil, fmt.Errorf("loading parent of job %d: %w", cur, err)
		}
		if parentID == nil {
			continue
		}

		var parentStatus string
		if err := s.conn.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, *parentID).Scan(&parentStatus); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("locking parent job %d: %w", *parentID, err)
		}
		if model.JobStatus(parentStatus) != model.JobStatusWaitingForChildren {
			continue
		}

		var open int
		var failedChild *int64
		if err := s.conn.QueryRow(ctx, `SELECT
				count(*) FILTER (WHERE status <> ALL($2)),
				min(id) FILTER (WHERE status = 'failed')
			FROM jobs WHERE parent_job_id = $1`, *parentID, terminalStatuses).Scan(&open, &failedChild); err != nil {
			return nil, fmt.Errorf("counting children of job %d: %w", *parentID, err)
		}
		if open > 0 {
			continue
		}

		waiting := []model.JobStatus{model.JobStatusWaitingForChildren}
		if failedChild != nil {
			details := fmt.Sprintf("child job %d failed", *failedChild)
			err = s.settle(ctx, *parentID, model.JobStatusFailed, waiting, nil, &details)
		} else {
			err = s.settle(ctx, *parentID, model.JobStatusCompleted, waiting, nil, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("settling parent job %d: %w", *parentID, err)
		}
		queue = append(queue, *parentID)
	}

	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released, nil
}

func (s *jobStore) missOrConflict(ctx context.Context, id int64) error {
	var status string
	err := s.conn.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: job %d is %s", ErrConflict, id, status)
}

func (s *jobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                model.Job
		jobType, status  string
		payload, results []byte
	)
	if err := row.Scan(
		&j.ID, &j.ParentJobID, &j.PrerequisiteJobID, &j.SessionID, &j.StageSlug, &j.IterationNumber,
		&jobType, &status, &payload, &results, &j.AttemptCount, &j.MaxRetries, &j.ErrorDetails,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)

	p, err := model.DecodePayload(j.JobType, payload)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", j.ID, err)
	}
	j.Payload = p

	if len(results) > 0 {
		var r model.JobResults
		if err := json.Unmarshal(results, &r); err != nil {
			return nil, fmt.Errorf("job %d: decoding results: %w", j.ID, err)
		}
		j.Results = &r
	}
	return &j, nil
}

func encodeResults(r *model.JobResults) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}
	return data, nil
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}
