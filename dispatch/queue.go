// Package dispatch runs queued bulk jobs on a poll-based worker pool.
// Parallelism is across jobs, never within one: a job is claimed by exactly
// one worker and executes sequentially.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Queue hands queued jobs to workers and fans job updates out to
// subscribers. Dequeue serializes on the queue mutex so two workers never
// claim the same job.
type Queue struct {
	jobs        *job.Manager
	mu          sync.Mutex
	subscribers []chan *job.BulkJob
}

// NewQueue creates a queue over the job manager
func NewQueue(jobs *job.Manager) *Queue {
	return &Queue{jobs: jobs}
}

// Enqueue persists a new queued job and notifies subscribers
func (q *Queue) Enqueue(ctx context.Context, j *job.BulkJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.jobs.CreateJob(ctx, j); err != nil {
		return errors.Wrapf(err, "enqueue job %s", j.ID)
	}
	q.notifySubscribers(j)
	return nil
}

// Dequeue claims the oldest queued job and moves it to IN_PROGRESS.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*job.BulkJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, err := q.jobs.NextQueued(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "next queued job")
	}
	if next == nil {
		return nil, nil
	}

	claimed, err := q.jobs.UpdateJobState(ctx, next.ID, job.StateInProgress, job.Fields{})
	if err != nil {
		return nil, errors.Wrapf(err, "claim job %s", next.ID)
	}
	q.notifySubscribers(claimed)
	return claimed, nil
}

// GetJob retrieves a job by id
func (q *Queue) GetJob(ctx context.Context, id string) (*job.BulkJob, error) {
	return q.jobs.GetJob(ctx, id)
}

// ListJobs returns jobs, optionally filtered by state
func (q *Queue) ListJobs(ctx context.Context, state *job.State, limit int) ([]*job.BulkJob, error) {
	return q.jobs.ListJobs(ctx, state, limit)
}

// Stats summarizes the queue by job state
type Stats struct {
	Queued     int `json:"queued"`
	InProgress int `json:"in_progress"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// GetStats returns job counts by state
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := q.jobs.CountsByState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs by state")
	}
	s := &Stats{
		Queued:     counts[job.StateQueued],
		InProgress: counts[job.StateInProgress],
		Complete:   counts[job.StateComplete],
		Failed:     counts[job.StateFailed],
	}
	s.Total = s.Queued + s.InProgress + s.Complete + s.Failed
	return s, nil
}

// Cleanup removes old terminal jobs
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.jobs.CleanupOldJobs(ctx, olderThan)
}

// Subscribe returns a buffered channel receiving job updates. Callers must
// Unsubscribe when done; the channel is never closed by the queue.
func (q *Queue) Subscribe() chan *job.BulkJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *job.BulkJob, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel
func (q *Queue) Unsubscribe(ch chan *job.BulkJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers requires q.mu held. Sends are non-blocking so a slow
// subscriber never stalls the queue.
func (q *Queue) notifySubscribers(j *job.BulkJob) {
	for _, ch := range q.subscribers {
		select {
		case ch <- j:
		default:
		}
	}
}
