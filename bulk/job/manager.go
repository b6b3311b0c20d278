package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skein-dev/skein/errors"
)

// Fields carries the mutations merged into a job record by UpdateJobState.
// Counter pointers distinguish "unset" from zero; id lists and errors are
// append-only and are appended, never replaced.
type Fields struct {
	TotalItems     *int
	ProcessedItems *int
	SuccessCount   *int
	ErrorCount     *int

	AppendCreatedIDs []int64
	AppendUpdatedIDs []int64
	AppendDeletedIDs []int64
	AppendErrors     []ItemError

	Failure *string
}

// Manager owns all mutations of bulk job records. Concurrent updaters of the
// same job serialize on a per-job lock, so pollers always observe a coherent
// snapshot and two workers can never interleave partial counter updates.
type Manager struct {
	store *Store
	log   *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a job manager backed by the given store
func NewManager(store *Store, log *zap.SugaredLogger) *Manager {
	return &Manager{
		store: store,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing updates for one job id
func (m *Manager) lockFor(jobID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[jobID] = l
	}
	return l
}

// releaseLock drops the per-job mutex once a job is terminal
func (m *Manager) releaseLock(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, jobID)
}

// CreateJob persists a new job record in its initial queued state
func (m *Manager) CreateJob(ctx context.Context, j *BulkJob) error {
	if j.State != StateQueued {
		return errors.Wrapf(errors.ErrInvalidTransition, "new job must be queued, got %s", j.State)
	}
	return m.store.CreateJob(ctx, j)
}

// GetJob returns the current snapshot of a job, or ErrJobNotFound
func (m *Manager) GetJob(ctx context.Context, jobID string) (*BulkJob, error) {
	return m.store.GetJob(ctx, jobID)
}

// UpdateJobState is the sole mutation entry point for job records. It
// validates the state transition, merges the supplied fields into the
// existing record, and persists atomically. Progress updates that would move
// processed_items backwards are rejected with ErrStaleUpdate so a slow
// writer can never clobber a higher-progress record.
func (m *Manager) UpdateJobState(ctx context.Context, jobID string, newState State, fields Fields) (*BulkJob, error) {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !j.State.CanTransition(newState) {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", j.State, newState)
	}

	if fields.ProcessedItems != nil && *fields.ProcessedItems < j.ProcessedItems {
		return nil, errors.Wrapf(errors.ErrStaleUpdate,
			"processed_items %d < %d", *fields.ProcessedItems, j.ProcessedItems)
	}

	now := time.Now()
	if j.State == StateQueued && newState == StateInProgress {
		j.StartedAt = &now
	}
	j.State = newState

	if fields.TotalItems != nil {
		j.TotalItems = *fields.TotalItems
	}
	if fields.ProcessedItems != nil {
		j.ProcessedItems = *fields.ProcessedItems
	}
	if fields.SuccessCount != nil {
		j.SuccessCount = *fields.SuccessCount
	}
	if fields.ErrorCount != nil {
		j.ErrorCount = *fields.ErrorCount
	}
	if fields.Failure != nil {
		j.Failure = *fields.Failure
	}

	j.CreatedIDs = append(j.CreatedIDs, fields.AppendCreatedIDs...)
	j.UpdatedIDs = append(j.UpdatedIDs, fields.AppendUpdatedIDs...)
	j.DeletedIDs = append(j.DeletedIDs, fields.AppendDeletedIDs...)
	j.Errors = append(j.Errors, fields.AppendErrors...)

	if newState.Terminal() {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now

	if err := m.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}

	if newState.Terminal() {
		m.releaseLock(jobID)
	}
	return j, nil
}

// Requeue returns an interrupted job to the queue. Crash recovery only: a
// job found IN_PROGRESS at startup has no worker attached, and its writes
// were single-transaction, so it is safe to run again from the start. All
// counters and lists reset for the clean re-run.
func (m *Manager) Requeue(ctx context.Context, jobID string) error {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != StateInProgress {
		return errors.Wrapf(errors.ErrInvalidTransition, "requeue %s job %s", j.State, jobID)
	}

	j.State = StateQueued
	j.StartedAt = nil
	j.ProcessedItems = 0
	j.SuccessCount = 0
	j.ErrorCount = 0
	j.CreatedIDs = nil
	j.UpdatedIDs = nil
	j.DeletedIDs = nil
	j.Errors = nil
	j.Failure = ""
	j.UpdatedAt = time.Now()
	return m.store.UpdateJob(ctx, j)
}

// MarkAggregatesReady flags a terminal job as eligible for aggregation.
// Set by the pipeline stage that produced the job, not the executor.
func (m *Manager) MarkAggregatesReady(ctx context.Context, jobID string) error {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	j.AggregatesReady = true
	j.UpdatedAt = time.Now()
	return m.store.UpdateJob(ctx, j)
}

// SetAggregateResults writes aggregate results onto a job record without
// changing its state. This is the one field set permitted after a job
// reaches a terminal state.
func (m *Manager) SetAggregateResults(ctx context.Context, jobID string, results map[string]interface{}) error {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	j.AggregatesCompleted = true
	j.AggregateResults = results
	j.UpdatedAt = time.Now()
	return m.store.UpdateJob(ctx, j)
}

// NextQueued returns the oldest queued job, or nil when none are waiting
func (m *Manager) NextQueued(ctx context.Context) (*BulkJob, error) {
	return m.store.NextQueued(ctx)
}

// ListJobs returns jobs, optionally filtered by state
func (m *Manager) ListJobs(ctx context.Context, state *State, limit int) ([]*BulkJob, error) {
	return m.store.ListJobs(ctx, state, limit)
}

// CountsByState returns job counts keyed by state
func (m *Manager) CountsByState(ctx context.Context) (map[State]int, error) {
	return m.store.CountsByState(ctx)
}

// CleanupOldJobs deletes finished jobs older than the retention window.
// Queued and running jobs are never touched.
func (m *Manager) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.store.CleanupOldJobs(ctx, olderThan)
}
