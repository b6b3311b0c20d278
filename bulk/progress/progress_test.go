package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(0, 0))
	assert.Equal(t, 0.0, Percent(5, 0))
	assert.Equal(t, 50.0, Percent(5, 10))
	assert.Equal(t, 100.0, Percent(10, 10))
	assert.Equal(t, 33.33, Percent(1, 3))
	assert.Equal(t, 66.67, Percent(2, 3))
}

func TestMemoryStoreProgress(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute)
	ctx := context.Background()

	_, ok, err := s.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetProgress(ctx, "job-1", 10, 20, "processing"))

	got, ok, err := s.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, got.Current)
	assert.Equal(t, 20, got.Total)
	assert.Equal(t, 50.0, got.Percentage)
	assert.Equal(t, "processing", got.Message)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SetProgress(ctx, "job-1", 5, 20, ""))
	require.NoError(t, s.SetProgress(ctx, "job-1", 15, 20, ""))

	got, ok, err := s.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15, got.Current)
	assert.Equal(t, 75.0, got.Percentage)
}

func TestMemoryStoreResult(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SetResult(ctx, "job-2", map[string]interface{}{
		"success_count": 3,
	}))

	var out map[string]interface{}
	ok, err := s.GetResult(ctx, "job-2", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(3), out["success_count"])
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Millisecond, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SetProgress(ctx, "job-3", 1, 2, ""))
	require.NoError(t, s.SetResult(ctx, "job-3", "done"))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.GetProgress(ctx, "job-3")
	require.NoError(t, err)
	assert.False(t, ok, "progress should expire")

	var out string
	ok, err = s.GetResult(ctx, "job-3", &out)
	require.NoError(t, err)
	assert.True(t, ok, "result TTL is independent of progress TTL")
}

func TestMemoryStoreDeleteAll(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.SetProgress(ctx, "job-4", 1, 1, ""))
	require.NoError(t, s.SetResult(ctx, "job-4", "x"))
	require.NoError(t, s.DeleteAll(ctx, "job-4"))

	_, ok, err := s.GetProgress(ctx, "job-4")
	require.NoError(t, err)
	assert.False(t, ok)
	var out string
	ok, err = s.GetResult(ctx, "job-4", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}
