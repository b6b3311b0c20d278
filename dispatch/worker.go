package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/errors"
)

// MaxOrphanedJobsToRecover caps startup recovery so a crash with a deep
// backlog cannot flood the pool
const MaxOrphanedJobsToRecover = 1000

// Config contains worker pool configuration
type Config struct {
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultConfig returns sensible pool defaults
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		PollInterval: time.Second,
	}
}

// Pool runs queued jobs on a fixed set of polling workers
type Pool struct {
	queue    *Queue
	jobs     *job.Manager
	registry *Registry
	config   Config

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	log       *zap.SugaredLogger
	mu        sync.Mutex
}

// NewPool creates a worker pool. Register handlers before calling Start.
func NewPool(ctx context.Context, jobs *job.Manager, registry *Registry, cfg Config, log *zap.SugaredLogger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		queue:     NewQueue(jobs),
		jobs:      jobs,
		registry:  registry,
		config:    cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		log:       log.Named("dispatch"),
	}
}

// Queue returns the job queue, for enqueuing and stats
func (p *Pool) Queue() *Queue {
	return p.queue
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.config.Workers
}

// Start recovers orphaned jobs and spawns the workers. Safe to call again
// after Stop.
func (p *Pool) Start() error {
	p.mu.Lock()
	select {
	case <-p.ctx.Done():
		// restarted after Stop, derive a fresh context
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	p.mu.Unlock()

	if err := p.recoverOrphanedJobs(); err != nil {
		return errors.Wrap(err, "recover orphaned jobs")
	}

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Infow("worker pool started",
		"workers", p.config.Workers,
		"poll_interval", p.config.PollInterval,
	)
	return nil
}

// Stop cancels the workers and waits for them to exit, bounded by a timeout
// so shutdown never hangs on a stuck job
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		p.log.Infow("worker pool stopped")
	case <-time.After(timeout):
		p.log.Warnw("worker pool stop timed out", "timeout", timeout)
	}
}

// recoverOrphanedJobs re-queues jobs a previous process left IN_PROGRESS.
// Their transactions never committed, so re-running from the start is safe.
func (p *Pool) recoverOrphanedJobs() error {
	inProgress := job.StateInProgress
	orphaned, err := p.jobs.ListJobs(p.parentCtx, &inProgress, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "list in-progress jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}

	p.log.Warnw("recovering jobs orphaned by previous shutdown", "count", len(orphaned))
	recovered := 0
	for _, j := range orphaned {
		if err := p.jobs.Requeue(p.parentCtx, j.ID); err != nil {
			p.log.Warnw("failed to requeue orphaned job", "job_id", j.ID, "error", err)
			continue
		}
		recovered++
	}
	p.log.Infow("orphan recovery complete", "recovered", recovered, "total", len(orphaned))
	return nil
}

// worker polls the queue until the pool context is cancelled
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.processNextJob(); err != nil {
				select {
				case <-p.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// database closed during shutdown
					return
				}
				errorCount++
				p.log.Errorw("worker failed to process job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount,
				)
				if errorCount >= maxConsecutiveErrors {
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// processNextJob claims one job and runs its handler. The handler drives the
// job to a terminal state itself; the pool only settles jobs the handler
// abandoned with an error.
func (p *Pool) processNextJob() error {
	select {
	case <-p.ctx.Done():
		return nil
	default:
	}

	j, err := p.queue.Dequeue(p.ctx)
	if err != nil {
		return errors.Wrap(err, "dequeue")
	}
	if j == nil {
		return nil
	}

	handler := p.registry.Get(j.JobType)
	if handler == nil {
		p.log.Errorw("no handler for job type", "job_id", j.ID, "job_type", j.JobType)
		return p.failJob(j.ID, errors.Newf("no handler registered for job type %q", j.JobType))
	}

	if err := handler.Execute(p.ctx, j); err != nil {
		select {
		case <-p.ctx.Done():
			// interrupted by shutdown, hand the job back to the queue
			if requeueErr := p.jobs.Requeue(p.parentCtx, j.ID); requeueErr != nil {
				p.log.Errorw("failed to requeue interrupted job", "job_id", j.ID, "error", requeueErr)
			}
			return nil
		default:
		}
		return p.failJob(j.ID, err)
	}
	return nil
}

// failJob settles a job the handler could not, tolerating jobs the handler
// already drove to a terminal state
func (p *Pool) failJob(jobID string, cause error) error {
	failure := cause.Error()
	_, err := p.jobs.UpdateJobState(p.parentCtx, jobID, job.StateFailed, job.Fields{
		Failure: &failure,
	})
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			return nil
		}
		return errors.Wrapf(err, "fail job %s", jobID)
	}
	return nil
}
