package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skein-dev/skein/bulk/aggregate"
	"github.com/skein-dev/skein/bulk/entity"
	"github.com/skein-dev/skein/bulk/executor"
	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/progress"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/dispatch"
	"github.com/skein-dev/skein/errors"
	skeintest "github.com/skein-dev/skein/internal/testing"
)

type serviceFixture struct {
	svc   *Service
	jobs  *job.Manager
	cache *progress.MemoryStore
	pool  *dispatch.Pool
	db    *sql.DB
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := skeintest.CreateTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sku TEXT NOT NULL,
			region TEXT NOT NULL,
			name TEXT,
			price REAL
		)
	`)
	require.NoError(t, err)

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.EntityType{
		Name:  "product",
		Table: "products",
		Fields: []schema.Field{
			{Name: "sku", Kind: schema.KindString, Required: true},
			{Name: "region", Kind: schema.KindString, Required: true},
			{Name: "name", Kind: schema.KindString},
			{Name: "price", Kind: schema.KindFloat},
		},
	}))

	log := zap.NewNop().Sugar()
	jobs := job.NewManager(job.NewStore(db), log)
	entities := entity.NewStore(db, log)
	cache := progress.NewMemoryStore(time.Minute, time.Minute)
	exec := executor.New(jobs, entities, reg, cache, log)
	agg := aggregate.NewRunner(jobs, entities, reg, log)

	handlers := dispatch.NewRegistry()
	pool := dispatch.NewPool(context.Background(), jobs, handlers, dispatch.Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
	}, log)

	svc := NewService(jobs, pool.Queue(), exec, agg, cache, reg, 0, log)
	svc.RegisterHandlers(handlers)

	t.Cleanup(func() { pool.Stop() })
	return &serviceFixture{svc: svc, jobs: jobs, cache: cache, pool: pool, db: db}
}

func items(n int) []schema.Record {
	out := make([]schema.Record, n)
	for i := range out {
		out[i] = schema.Record{
			"sku":    fmt.Sprintf("SKU-%d", i),
			"region": "us",
			"name":   fmt.Sprintf("Product %d", i),
			"price":  float64(i) + 0.5,
		}
	}
	return out
}

func waitForTerminal(t *testing.T, f *serviceFixture, jobID string) job.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.svc.Status(context.Background(), jobID)
		require.NoError(t, err)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return job.Snapshot{}
}

func TestSubmitRunsJobThroughPool(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.pool.Start())

	jobID, err := f.svc.Submit(context.Background(), Request{
		Op:         job.TypeCreate,
		EntityType: "product",
		Items:      items(3),
		Actor:      "importer",
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, f, jobID)
	assert.Equal(t, job.StateComplete, snap.State)
	assert.Equal(t, 3, snap.SuccessCount)
	assert.Len(t, snap.CreatedIDs, 3)

	var count int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM products`).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestSubmitValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, Request{Op: job.TypeCreate, EntityType: "product"})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = f.svc.Submit(ctx, Request{Op: job.TypeCreate, EntityType: "gadget", Items: items(1)})
	assert.True(t, errors.Is(err, errors.ErrEntityTypeUnknown))

	_, err = f.svc.Submit(ctx, Request{Op: job.TypeUpsert, EntityType: "product", Items: items(1)})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestExecuteSync(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.ExecuteSync(ctx, Request{
		Op:         job.TypeCreate,
		EntityType: "product",
		Items:      items(2),
		Actor:      "api",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Len(t, result.CreatedIDs, 2)

	// The sync path still leaves a trackable job record behind.
	snap, err := f.svc.Status(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateComplete, snap.State)
	assert.Equal(t, 2, snap.SuccessCount)
}

func TestExecuteSyncRejectsLargeBatches(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.ExecuteSync(context.Background(), Request{
		Op:         job.TypeCreate,
		EntityType: "product",
		Items:      items(DefaultMaxSyncItems + 1),
	})
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestProgressFallsBackToJobRecord(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.ExecuteSync(ctx, Request{
		Op:         job.TypeCreate,
		EntityType: "product",
		Items:      items(4),
	})
	require.NoError(t, err)

	// Cached view first.
	p, err := f.svc.Progress(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Current)
	assert.Equal(t, 100.0, p.Percentage)

	// After eviction the view is rebuilt from the job record.
	require.NoError(t, f.cache.DeleteAll(ctx, result.JobID))
	p, err = f.svc.Progress(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Current)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, string(job.StateComplete), p.Message)
}

func TestSummarizeIncludesResult(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.ExecuteSync(ctx, Request{
		Op:         job.TypeCreate,
		EntityType: "product",
		Items:      items(2),
	})
	require.NoError(t, err)

	summary, err := f.svc.Summarize(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateComplete, summary.State)
	assert.Equal(t, 2, summary.Progress.Current)
	require.NotNil(t, summary.Result)
	assert.Equal(t, 2, summary.Result.SuccessCount)

	_, err = f.svc.Summarize(ctx, "no-such-job")
	assert.True(t, errors.IsJobNotFound(err))
}

func TestRunAggregatesThroughService(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.svc.ExecuteSync(ctx, Request{
		Op:         job.TypeCreate,
		EntityType: "product",
		Items:      items(3),
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkAggregatesReady(ctx, result.JobID))

	got, err := f.svc.RunAggregates(ctx, result.JobID, map[string]aggregate.Spec{
		"total": {Op: aggregate.OpCount},
		"price": {Op: aggregate.OpSum, Field: "price"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got["total"])
	assert.Equal(t, 4.5, got["price"])
}
