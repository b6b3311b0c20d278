// Package executor runs bulk operations against entity tables while keeping
// the owning job record and the progress cache current. Item validation
// never aborts a batch; only a failed commit does, and then with the partial
// counts accumulated so far.
package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/skein-dev/skein/bulk/entity"
	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/progress"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/errors"
)

// progressInterval is how many items pass between progress reports
const progressInterval = 10

// Executor drives one bulk operation from IN_PROGRESS to a terminal state
type Executor struct {
	jobs     *job.Manager
	entities *entity.Store
	registry *schema.Registry
	cache    progress.Store
	log      *zap.SugaredLogger
}

// New creates an executor over the given stores
func New(jobs *job.Manager, entities *entity.Store, registry *schema.Registry, cache progress.Store, log *zap.SugaredLogger) *Executor {
	return &Executor{
		jobs:     jobs,
		entities: entities,
		registry: registry,
		cache:    cache,
		log:      log,
	}
}

// OperationResult is the outcome of one executed batch, carried explicitly
// on both the success and the failure path
type OperationResult struct {
	JobID          string          `json:"job_id"`
	State          job.State       `json:"state"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	SuccessCount   int             `json:"success_count"`
	ErrorCount     int             `json:"error_count"`
	CreatedIDs     []int64         `json:"created_ids"`
	UpdatedIDs     []int64         `json:"updated_ids"`
	DeletedIDs     []int64         `json:"deleted_ids"`
	Errors         []job.ItemError `json:"errors"`
	Failure        string          `json:"failure,omitempty"`
}

// batch accumulates the working state of one operation
type batch struct {
	jobID        string
	et           *schema.EntityType
	items        []schema.Record
	uniqueFields []string
	updateFields []string
	total        int

	processed  int
	success    int
	created    []int64
	updated    []int64
	deleted    []int64
	itemErrors []job.ItemError
}

// Execute runs the operation for a job over the given items and drives the
// job record to JOB_COMPLETE or FAILED. It returns an error only for
// infrastructure problems (unknown job, invalid transition); operational
// failures land in the result with state FAILED.
func (e *Executor) Execute(ctx context.Context, jobID string, op job.Type, items []schema.Record) (*OperationResult, error) {
	j, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	total := len(items)
	if _, err := e.jobs.UpdateJobState(ctx, jobID, job.StateInProgress, job.Fields{TotalItems: &total}); err != nil {
		return nil, err
	}

	b := &batch{
		jobID:        jobID,
		items:        items,
		uniqueFields: j.UniqueFields,
		updateFields: j.UpdateFields,
		total:        total,
	}

	et, err := e.registry.Get(j.EntityType)
	if err != nil {
		return e.fail(ctx, b, err)
	}
	b.et = et

	var handle func(context.Context, *batch) error
	switch op {
	case job.TypeCreate:
		handle = e.runCreate
	case job.TypeUpdate:
		handle = e.runUpdate
	case job.TypeReplace:
		handle = e.runReplace
	case job.TypeDelete:
		handle = e.runDelete
	case job.TypeUpsert:
		handle = e.runUpsert
	default:
		return e.fail(ctx, b, errors.Wrapf(errors.ErrInvalidRequest, "unsupported operation %q", op))
	}

	if err := handle(ctx, b); err != nil {
		return e.fail(ctx, b, err)
	}
	return e.complete(ctx, b)
}

func (e *Executor) complete(ctx context.Context, b *batch) (*OperationResult, error) {
	errCount := len(b.itemErrors)
	j, err := e.jobs.UpdateJobState(ctx, b.jobID, job.StateComplete, job.Fields{
		ProcessedItems:   &b.processed,
		SuccessCount:     &b.success,
		ErrorCount:       &errCount,
		AppendCreatedIDs: b.created,
		AppendUpdatedIDs: b.updated,
		AppendDeletedIDs: b.deleted,
		AppendErrors:     b.itemErrors,
	})
	if err != nil {
		return nil, err
	}

	result := resultFromJob(j)
	e.cacheFinal(ctx, b, result)
	return result, nil
}

func (e *Executor) fail(ctx context.Context, b *batch, cause error) (*OperationResult, error) {
	e.log.Errorw("bulk operation failed",
		"job_id", b.jobID,
		"error", cause,
	)
	b.itemErrors = append(b.itemErrors, job.ItemError{Index: -1, Message: cause.Error()})
	errCount := len(b.itemErrors)
	failure := cause.Error()

	j, err := e.jobs.UpdateJobState(ctx, b.jobID, job.StateFailed, job.Fields{
		ProcessedItems:   &b.processed,
		SuccessCount:     &b.success,
		ErrorCount:       &errCount,
		Failure:          &failure,
		AppendCreatedIDs: b.created,
		AppendUpdatedIDs: b.updated,
		AppendDeletedIDs: b.deleted,
		AppendErrors:     b.itemErrors,
	})
	if err != nil {
		return nil, err
	}

	result := resultFromJob(j)
	e.cacheFinal(ctx, b, result)
	return result, nil
}

// reportProgress updates the job counters and the progress cache. Both are
// best-effort: a stale or failed write is logged and the batch carries on.
// The running success and error counts ride along so a mid-batch status poll
// sees them, not just the processed total.
func (e *Executor) reportProgress(ctx context.Context, b *batch, current int, message string) {
	errCount := len(b.itemErrors)
	if _, err := e.jobs.UpdateJobState(ctx, b.jobID, job.StateInProgress, job.Fields{
		ProcessedItems: &current,
		SuccessCount:   &b.success,
		ErrorCount:     &errCount,
	}); err != nil {
		e.log.Warnw("progress update rejected", "job_id", b.jobID, "error", err)
	}
	if err := e.cache.SetProgress(ctx, b.jobID, current, b.total, message); err != nil {
		e.log.Warnw("progress cache write failed", "job_id", b.jobID, "error", err)
	}
}

func (e *Executor) cacheFinal(ctx context.Context, b *batch, result *OperationResult) {
	if err := e.cache.SetProgress(ctx, b.jobID, result.ProcessedItems, b.total, string(result.State)); err != nil {
		e.log.Warnw("final progress write failed", "job_id", b.jobID, "error", err)
	}
	if err := e.cache.SetResult(ctx, b.jobID, result); err != nil {
		e.log.Warnw("result cache write failed", "job_id", b.jobID, "error", err)
	}
}

func resultFromJob(j *job.BulkJob) *OperationResult {
	return &OperationResult{
		JobID:          j.ID,
		State:          j.State,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		SuccessCount:   j.SuccessCount,
		ErrorCount:     j.ErrorCount,
		CreatedIDs:     j.CreatedIDs,
		UpdatedIDs:     j.UpdatedIDs,
		DeletedIDs:     j.DeletedIDs,
		Errors:         j.Errors,
		Failure:        j.Failure,
	}
}
