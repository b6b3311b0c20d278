package job

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skein-dev/skein/errors"
	skeintest "github.com/skein-dev/skein/internal/testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewStore(skeintest.CreateTestDB(t)), zap.NewNop().Sugar())
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeCreate, "product", 4)
	require.NoError(t, m.CreateJob(ctx, j))

	// queued -> in_progress stamps StartedAt
	got, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{})
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, got.State)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// progress update stays in_progress
	got, err = m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{
		ProcessedItems: intPtr(2),
		SuccessCount:   intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessedItems)

	// terminal transition stamps CompletedAt
	got, err = m.UpdateJobState(ctx, j.ID, StateComplete, Fields{
		ProcessedItems:   intPtr(4),
		SuccessCount:     intPtr(4),
		AppendCreatedIDs: []int64{1, 2, 3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []int64{1, 2, 3, 4}, got.CreatedIDs)
}

func TestManagerInvalidTransition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeUpdate, "product", 1)
	require.NoError(t, m.CreateJob(ctx, j))

	// queued -> complete skips in_progress
	_, err := m.UpdateJobState(ctx, j.ID, StateComplete, Fields{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	// terminal jobs reject all further transitions
	_, err = m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{})
	require.NoError(t, err)
	_, err = m.UpdateJobState(ctx, j.ID, StateFailed, Fields{Failure: strPtr("boom")})
	require.NoError(t, err)
	_, err = m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{})
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestManagerStaleProgressRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeUpsert, "product", 10)
	require.NoError(t, m.CreateJob(ctx, j))
	_, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{ProcessedItems: intPtr(7)})
	require.NoError(t, err)

	_, err = m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{ProcessedItems: intPtr(3)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStaleUpdate))

	// equal progress is not stale
	got, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{ProcessedItems: intPtr(7)})
	require.NoError(t, err)
	assert.Equal(t, 7, got.ProcessedItems)
}

func TestManagerIDListsAppendOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeUpsert, "product", 4)
	require.NoError(t, m.CreateJob(ctx, j))
	_, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{
		AppendCreatedIDs: []int64{1},
		AppendErrors:     []ItemError{{Index: 0, Message: "bad"}},
	})
	require.NoError(t, err)

	got, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{
		AppendCreatedIDs: []int64{2, 3},
		AppendUpdatedIDs: []int64{9},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got.CreatedIDs)
	assert.Equal(t, []int64{9}, got.UpdatedIDs)
	require.Len(t, got.Errors, 1)
}

func TestManagerUpdateMissingJob(t *testing.T) {
	m := newTestManager(t)

	_, err := m.UpdateJobState(context.Background(), "nope", StateInProgress, Fields{})
	require.Error(t, err)
	assert.True(t, errors.IsJobNotFound(err))
}

func TestManagerAggregateResults(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeCreate, "product", 1)
	require.NoError(t, m.CreateJob(ctx, j))
	_, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{})
	require.NoError(t, err)
	_, err = m.UpdateJobState(ctx, j.ID, StateComplete, Fields{AppendCreatedIDs: []int64{1}})
	require.NoError(t, err)

	require.NoError(t, m.MarkAggregatesReady(ctx, j.ID))

	// results land on a terminal job without changing state
	require.NoError(t, m.SetAggregateResults(ctx, j.ID, map[string]interface{}{
		"count": float64(1),
	}))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	assert.True(t, got.AggregatesReady)
	assert.True(t, got.AggregatesCompleted)
	assert.Equal(t, float64(1), got.AggregateResults["count"])
}

func TestManagerRequeue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeCreate, "product", 10)
	require.NoError(t, m.CreateJob(ctx, j))

	// only interrupted jobs can be requeued
	err := m.Requeue(ctx, j.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	five := 5
	_, err = m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{
		ProcessedItems:   &five,
		AppendCreatedIDs: []int64{1, 2},
		AppendErrors:     []ItemError{{Index: 0, Message: "bad"}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Requeue(ctx, j.ID))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 0, got.ProcessedItems)
	assert.Empty(t, got.CreatedIDs)
	assert.Empty(t, got.Errors)
	assert.Nil(t, got.StartedAt)
}

func TestManagerConcurrentUpdates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	j := mustNewJob(t, TypeCreate, "product", 100)
	require.NoError(t, m.CreateJob(ctx, j))
	_, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// stale writers lose, nothing else may fail
			_, err := m.UpdateJobState(ctx, j.ID, StateInProgress, Fields{
				ProcessedItems:   intPtr(n * 10),
				AppendCreatedIDs: []int64{int64(n)},
			})
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrStaleUpdate))
			}
		}(i)
	}
	wg.Wait()

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, got.State)
	assert.GreaterOrEqual(t, got.ProcessedItems, 0)
}
