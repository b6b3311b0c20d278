package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/errors"
	skeintest "github.com/skein-dev/skein/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(skeintest.CreateTestDB(t))
}

func mustNewJob(t *testing.T, jobType Type, entityType string, total int) *BulkJob {
	t.Helper()
	j, err := New(jobType, entityType, total, "test")
	require.NoError(t, err)
	return j
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeCreate, "product", 10)
	j.UniqueFields = []string{"sku", "region"}
	require.NoError(t, store.CreateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, TypeCreate, got.JobType)
	assert.Equal(t, "product", got.EntityType)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 10, got.TotalItems)
	assert.Equal(t, []string{"sku", "region"}, got.UniqueFields)
	assert.Empty(t, got.CreatedIDs)
	assert.Empty(t, got.Errors)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.IsJobNotFound(err))
}

func TestStoreUpdateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeUpsert, "product", 5)
	require.NoError(t, store.CreateJob(ctx, j))

	now := time.Now()
	j.State = StateComplete
	j.ProcessedItems = 5
	j.SuccessCount = 4
	j.ErrorCount = 1
	j.CreatedIDs = []int64{1, 2}
	j.UpdatedIDs = []int64{3, 4}
	j.Errors = []ItemError{{Index: 2, Message: "missing required field 'name'"}}
	j.StartedAt = &now
	j.CompletedAt = &now
	require.NoError(t, store.UpdateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, 5, got.ProcessedItems)
	assert.Equal(t, []int64{1, 2}, got.CreatedIDs)
	assert.Equal(t, []int64{3, 4}, got.UpdatedIDs)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, 2, got.Errors[0].Index)
	assert.Equal(t, "missing required field 'name'", got.Errors[0].Message)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestStoreUpdateMissing(t *testing.T) {
	store := newTestStore(t)

	j := mustNewJob(t, TypeDelete, "order", 1)
	err := store.UpdateJob(context.Background(), j)
	require.Error(t, err)
	assert.True(t, errors.IsJobNotFound(err))
}

func TestStoreListJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(ctx, mustNewJob(t, TypeCreate, "product", i)))
	}
	running := mustNewJob(t, TypeUpdate, "product", 9)
	require.NoError(t, store.CreateJob(ctx, running))
	running.State = StateInProgress
	require.NoError(t, store.UpdateJob(ctx, running))

	all, err := store.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	queued := StateQueued
	filtered, err := store.ListJobs(ctx, &queued, 10)
	require.NoError(t, err)
	assert.Len(t, filtered, 3)

	limited, err := store.ListJobs(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreNextQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	next, err := store.NextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	first := mustNewJob(t, TypeCreate, "product", 1)
	require.NoError(t, store.CreateJob(ctx, first))
	second := mustNewJob(t, TypeCreate, "product", 1)
	require.NoError(t, store.CreateJob(ctx, second))

	next, err = store.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)
}

func TestStoreCountsByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.CreateJob(ctx, mustNewJob(t, TypeCreate, "product", 1)))
	}
	done := mustNewJob(t, TypeDelete, "product", 1)
	require.NoError(t, store.CreateJob(ctx, done))
	done.State = StateInProgress
	require.NoError(t, store.UpdateJob(ctx, done))
	done.State = StateComplete
	require.NoError(t, store.UpdateJob(ctx, done))

	counts, err := store.CountsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StateQueued])
	assert.Equal(t, 1, counts[StateComplete])
}

func TestStoreCleanupOldJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := mustNewJob(t, TypeCreate, "product", 1)
	require.NoError(t, store.CreateJob(ctx, old))
	old.State = StateComplete
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.UpdateJob(ctx, old))

	// Still queued, never eligible regardless of age
	fresh := mustNewJob(t, TypeCreate, "product", 1)
	fresh.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.CreateJob(ctx, fresh))

	removed, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetJob(ctx, old.ID)
	assert.True(t, errors.IsJobNotFound(err))
	_, err = store.GetJob(ctx, fresh.ID)
	assert.NoError(t, err)
}
