package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skein-dev/skein/errors"
)

// Store handles persistence of bulk jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new bulk job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `
	id, job_type, entity_type, state, actor,
	total_items, processed_items, success_count, error_count,
	created_ids, updated_ids, deleted_ids, errors,
	payload, unique_fields, update_fields, failure,
	aggregates_ready, aggregates_completed, aggregate_results,
	created_at, started_at, completed_at, updated_at`

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, j *BulkJob) error {
	createdIDs, updatedIDs, deletedIDs, itemErrs, aggResults, err := marshalLists(j)
	if err != nil {
		return err
	}
	uniqueFields, err := marshalStrings(j.UniqueFields)
	if err != nil {
		return err
	}
	updateFields, err := marshalStrings(j.UpdateFields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO bulk_jobs (` + jobColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(j.Payload), Valid: len(j.Payload) > 0}

	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.JobType, j.EntityType, j.State, j.Actor,
		j.TotalItems, j.ProcessedItems, j.SuccessCount, j.ErrorCount,
		createdIDs, updatedIDs, deletedIDs, itemErrs,
		payload, uniqueFields, updateFields, j.Failure,
		j.AggregatesReady, j.AggregatesCompleted, aggResults,
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "create job")
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*BulkJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE id = ?`

	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewJobNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// UpdateJob persists the full job row
func (s *Store) UpdateJob(ctx context.Context, j *BulkJob) error {
	createdIDs, updatedIDs, deletedIDs, itemErrs, aggResults, err := marshalLists(j)
	if err != nil {
		return err
	}

	query := `
		UPDATE bulk_jobs
		SET state = ?,
		    total_items = ?,
		    processed_items = ?,
		    success_count = ?,
		    error_count = ?,
		    created_ids = ?,
		    updated_ids = ?,
		    deleted_ids = ?,
		    errors = ?,
		    failure = ?,
		    aggregates_ready = ?,
		    aggregates_completed = ?,
		    aggregate_results = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		j.State,
		j.TotalItems, j.ProcessedItems, j.SuccessCount, j.ErrorCount,
		createdIDs, updatedIDs, deletedIDs, itemErrs,
		j.Failure,
		j.AggregatesReady, j.AggregatesCompleted, aggResults,
		j.StartedAt, j.CompletedAt, j.UpdatedAt,
		j.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.NewJobNotFound(j.ID)
	}
	return nil
}

// ListJobs returns jobs, optionally filtered by state, newest first
func (s *Store) ListJobs(ctx context.Context, state *State, limit int) ([]*BulkJob, error) {
	var rows *sql.Rows
	var err error

	base := `SELECT ` + jobColumns + ` FROM bulk_jobs`
	if state != nil {
		rows, err = s.db.QueryContext(ctx, base+` WHERE state = ? ORDER BY created_at DESC LIMIT ?`, *state, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, base+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []*BulkJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return jobs, nil
}

// NextQueued returns the oldest queued job, or nil when none are waiting
func (s *Store) NextQueued(ctx context.Context) (*BulkJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM bulk_jobs WHERE state = ? ORDER BY created_at ASC LIMIT 1`,
		StateQueued)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "next queued job")
	}
	return j, nil
}

// CountsByState returns the number of jobs per state
func (s *Store) CountsByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM bulk_jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs by state")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs removes terminal jobs older than the specified duration
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM bulk_jobs
		WHERE state IN ('complete', 'failed')
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup old jobs")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*BulkJob, error) {
	var j BulkJob
	var createdIDs, updatedIDs, deletedIDs, itemErrs, aggResults string
	var uniqueFields, updateFields string
	var payload sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.JobType, &j.EntityType, &j.State, &j.Actor,
		&j.TotalItems, &j.ProcessedItems, &j.SuccessCount, &j.ErrorCount,
		&createdIDs, &updatedIDs, &deletedIDs, &itemErrs,
		&payload, &uniqueFields, &updateFields, &j.Failure,
		&j.AggregatesReady, &j.AggregatesCompleted, &aggResults,
		&j.CreatedAt, &startedAt, &completedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal([]byte(createdIDs), &j.CreatedIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal created_ids")
	}
	if err := json.Unmarshal([]byte(updatedIDs), &j.UpdatedIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal updated_ids")
	}
	if err := json.Unmarshal([]byte(deletedIDs), &j.DeletedIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshal deleted_ids")
	}
	if err := json.Unmarshal([]byte(itemErrs), &j.Errors); err != nil {
		return nil, errors.Wrap(err, "unmarshal errors")
	}
	if err := json.Unmarshal([]byte(aggResults), &j.AggregateResults); err != nil {
		return nil, errors.Wrap(err, "unmarshal aggregate_results")
	}
	if err := json.Unmarshal([]byte(uniqueFields), &j.UniqueFields); err != nil {
		return nil, errors.Wrap(err, "unmarshal unique_fields")
	}
	if err := json.Unmarshal([]byte(updateFields), &j.UpdateFields); err != nil {
		return nil, errors.Wrap(err, "unmarshal update_fields")
	}

	return &j, nil
}

func marshalLists(j *BulkJob) (createdIDs, updatedIDs, deletedIDs, itemErrs, aggResults string, err error) {
	createdIDs, err = marshalJSON(orEmptyIDs(j.CreatedIDs))
	if err != nil {
		return
	}
	updatedIDs, err = marshalJSON(orEmptyIDs(j.UpdatedIDs))
	if err != nil {
		return
	}
	deletedIDs, err = marshalJSON(orEmptyIDs(j.DeletedIDs))
	if err != nil {
		return
	}
	errs := j.Errors
	if errs == nil {
		errs = []ItemError{}
	}
	itemErrs, err = marshalJSON(errs)
	if err != nil {
		return
	}
	results := j.AggregateResults
	if results == nil {
		results = map[string]interface{}{}
	}
	aggResults, err = marshalJSON(results)
	return
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	return marshalJSON(ss)
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal job field")
	}
	return string(data), nil
}

func orEmptyIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
