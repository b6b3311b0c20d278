// Package aggregate computes summary statistics over the records a finished
// bulk job touched. Runs are idempotent: once results are written to the job
// record, re-running returns them without touching the entity tables.
package aggregate

import (
	"context"

	"go.uber.org/zap"

	"github.com/skein-dev/skein/bulk/entity"
	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/errors"
)

// Op is the aggregation operator applied to the record set
type Op string

const (
	OpCount  Op = "count"
	OpSum    Op = "sum"
	OpAvg    Op = "avg"
	OpCustom Op = "custom"
)

// CustomFn computes a caller-defined aggregate over the record set
type CustomFn func(recs []schema.Record) (interface{}, error)

// Spec names one aggregate to compute. Field is required for sum and avg;
// Fn is required for custom.
type Spec struct {
	Op    Op
	Field string
	Fn    CustomFn
}

// Runner computes aggregates for finished jobs and writes the results back
// onto the job record
type Runner struct {
	jobs     *job.Manager
	entities *entity.Store
	registry *schema.Registry
	log      *zap.SugaredLogger
}

// NewRunner creates an aggregate runner
func NewRunner(jobs *job.Manager, entities *entity.Store, registry *schema.Registry, log *zap.SugaredLogger) *Runner {
	return &Runner{jobs: jobs, entities: entities, registry: registry, log: log}
}

// Run computes the configured aggregates for a job. The job must exist and
// be flagged aggregates-ready; a job whose aggregates already completed
// returns the stored results without re-querying. The record set is the
// job's created ids, or its updated ids when nothing was created.
func (r *Runner) Run(ctx context.Context, jobID string, specs map[string]Spec) (map[string]interface{}, error) {
	j, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.AggregatesReady {
		return nil, errors.Wrapf(errors.ErrJobNotReady, "job %s", jobID)
	}
	if j.AggregatesCompleted {
		return j.AggregateResults, nil
	}

	et, err := r.registry.Get(j.EntityType)
	if err != nil {
		return nil, err
	}

	ids := j.CreatedIDs
	if len(ids) == 0 {
		ids = j.UpdatedIDs
	}
	recs, err := r.entities.FetchByIDs(ctx, et, ids)
	if err != nil {
		return nil, err
	}

	results := make(map[string]interface{}, len(specs))
	for name, spec := range specs {
		v, err := compute(et, recs, spec)
		if err != nil {
			return nil, errors.Wrapf(err, "aggregate %q", name)
		}
		results[name] = v
	}

	if err := r.jobs.SetAggregateResults(ctx, jobID, results); err != nil {
		return nil, err
	}
	r.log.Infow("aggregates computed",
		"job_id", jobID,
		"records", len(recs),
		"aggregates", len(specs),
	)
	return results, nil
}

func compute(et *schema.EntityType, recs []schema.Record, spec Spec) (interface{}, error) {
	switch spec.Op {
	case OpCount:
		return len(recs), nil
	case OpSum:
		sum, _, err := sumField(et, recs, spec.Field)
		return sum, err
	case OpAvg:
		// null-valued records stay out of the denominator
		sum, n, err := sumField(et, recs, spec.Field)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return 0.0, nil
		}
		return sum / float64(n), nil
	case OpCustom:
		if spec.Fn == nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "custom aggregate without a function")
		}
		return spec.Fn(recs)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown aggregate op %q", spec.Op)
	}
}

// sumField totals a numeric field, treating null as 0, and returns how many
// records carried a non-null value
func sumField(et *schema.EntityType, recs []schema.Record, field string) (float64, int, error) {
	if field == "" {
		return 0, 0, errors.Wrap(errors.ErrInvalidRequest, "aggregate needs a field")
	}
	f, ok := et.Field(field)
	if !ok {
		return 0, 0, errors.Wrapf(errors.ErrInvalidRequest, "unknown field %q", field)
	}

	var sum float64
	var n int
	for _, rec := range recs {
		v := rec[f.Column()]
		if v == nil {
			continue
		}
		fv, err := asFloat(v)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "field %q", field)
		}
		sum += fv
		n++
	}
	return sum, n, nil
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	default:
		return 0, errors.Newf("non-numeric value %T", v)
	}
}
