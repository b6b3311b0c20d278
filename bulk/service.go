// Package bulk is the public surface of the bulk operations engine. A
// Service submits batches as asynchronous jobs, answers status and progress
// polls, runs small batches synchronously, and triggers aggregates over
// finished jobs.
package bulk

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/skein-dev/skein/bulk/aggregate"
	"github.com/skein-dev/skein/bulk/executor"
	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/progress"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/dispatch"
	"github.com/skein-dev/skein/errors"
)

// DefaultMaxSyncItems bounds the synchronous path; larger batches must go
// through Submit
const DefaultMaxSyncItems = 50

// Service exposes the bulk engine's operations
type Service struct {
	jobs         *job.Manager
	queue        *dispatch.Queue
	exec         *executor.Executor
	agg          *aggregate.Runner
	cache        progress.Store
	registry     *schema.Registry
	maxSyncItems int
	log          *zap.SugaredLogger
}

// NewService wires the bulk engine together. maxSyncItems <= 0 falls back
// to DefaultMaxSyncItems.
func NewService(jobs *job.Manager, queue *dispatch.Queue, exec *executor.Executor, agg *aggregate.Runner, cache progress.Store, registry *schema.Registry, maxSyncItems int, log *zap.SugaredLogger) *Service {
	if maxSyncItems <= 0 {
		maxSyncItems = DefaultMaxSyncItems
	}
	return &Service{
		jobs:         jobs,
		queue:        queue,
		exec:         exec,
		agg:          agg,
		cache:        cache,
		registry:     registry,
		maxSyncItems: maxSyncItems,
		log:          log,
	}
}

// Request describes one submitted batch
type Request struct {
	Op           job.Type
	EntityType   string
	Items        []schema.Record
	UniqueFields []string
	UpdateFields []string
	Actor        string
}

func (s *Service) newJob(req Request) (*job.BulkJob, error) {
	if len(req.Items) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no items submitted")
	}
	if _, err := s.registry.Get(req.EntityType); err != nil {
		return nil, err
	}
	if req.Op == job.TypeUpsert && len(req.UniqueFields) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "upsert requires unique fields")
	}

	j, err := job.New(req.Op, req.EntityType, len(req.Items), req.Actor)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal items")
	}
	j.Payload = payload
	j.UniqueFields = req.UniqueFields
	j.UpdateFields = req.UpdateFields
	return j, nil
}

// Submit creates a queued job for the batch and hands it to the worker
// pool. Returns the job id for polling.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	j, err := s.newJob(req)
	if err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, j); err != nil {
		return "", err
	}
	s.log.Infow("bulk job submitted",
		"job_id", j.ID,
		"operation", req.Op,
		"entity_type", req.EntityType,
		"items", len(req.Items),
		"actor", j.Actor,
	)
	return j.ID, nil
}

// ExecuteSync runs a small batch inline and returns the result directly,
// still writing a trackable job record. Batches above the sync limit are
// rejected; callers should Submit those instead.
func (s *Service) ExecuteSync(ctx context.Context, req Request) (*executor.OperationResult, error) {
	if len(req.Items) > s.maxSyncItems {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"%d items exceed the synchronous limit of %d", len(req.Items), s.maxSyncItems)
	}
	j, err := s.newJob(req)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	return s.exec.Execute(ctx, j.ID, req.Op, req.Items)
}

// Status returns the job's current status view
func (s *Service) Status(ctx context.Context, jobID string) (job.Snapshot, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Progress returns the cached progress view for a job. On a cache miss the
// view is rebuilt from the job record, so pollers survive cache eviction.
func (s *Service) Progress(ctx context.Context, jobID string) (progress.Progress, error) {
	p, ok, err := s.cache.GetProgress(ctx, jobID)
	if err != nil {
		s.log.Warnw("progress cache read failed", "job_id", jobID, "error", err)
	}
	if ok {
		return p, nil
	}

	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return progress.Progress{}, err
	}
	return progress.Progress{
		Current:    j.ProcessedItems,
		Total:      j.TotalItems,
		Percentage: progress.Percent(j.ProcessedItems, j.TotalItems),
		Message:    string(j.State),
		UpdatedAt:  j.UpdatedAt,
	}, nil
}

// Summary combines the live progress view with the final result when one
// exists
type Summary struct {
	JobID    string                    `json:"job_id"`
	State    job.State                 `json:"state"`
	Progress progress.Progress         `json:"progress"`
	Result   *executor.OperationResult `json:"result,omitempty"`
}

// Summarize returns the combined progress and result view for a job
func (s *Service) Summarize(ctx context.Context, jobID string) (*Summary, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	p, err := s.Progress(ctx, jobID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{JobID: jobID, State: j.State, Progress: p}
	var result executor.OperationResult
	ok, err := s.cache.GetResult(ctx, jobID, &result)
	if err != nil {
		s.log.Warnw("result cache read failed", "job_id", jobID, "error", err)
	}
	if ok {
		summary.Result = &result
	}
	return summary, nil
}

// RunAggregates computes aggregates for a finished job
func (s *Service) RunAggregates(ctx context.Context, jobID string, specs map[string]aggregate.Spec) (map[string]interface{}, error) {
	return s.agg.Run(ctx, jobID, specs)
}

// MarkAggregatesReady flags a finished job as eligible for aggregation
func (s *Service) MarkAggregatesReady(ctx context.Context, jobID string) error {
	return s.jobs.MarkAggregatesReady(ctx, jobID)
}

// RegisterHandlers installs a dispatch handler for every bulk operation
// type. Handlers decode the job payload and run the executor; the executor
// settles the job record, so handler errors are infrastructure failures
// only.
func (s *Service) RegisterHandlers(reg *dispatch.Registry) {
	for _, t := range []job.Type{job.TypeCreate, job.TypeUpdate, job.TypeReplace, job.TypeDelete, job.TypeUpsert} {
		reg.Register(dispatch.HandlerFunc{
			JobType: t,
			Fn: func(ctx context.Context, j *job.BulkJob) error {
				var items []schema.Record
				if len(j.Payload) > 0 {
					if err := json.Unmarshal(j.Payload, &items); err != nil {
						return errors.Wrapf(err, "decode payload for job %s", j.ID)
					}
				}
				_, err := s.exec.Execute(ctx, j.ID, j.JobType, items)
				return err
			},
		})
	}
}
