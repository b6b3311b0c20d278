package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapping(t *testing.T) {
	err := NewJobNotFound("JOB_123")
	require.Error(t, err)
	assert.True(t, Is(err, ErrJobNotFound))
	assert.Contains(t, err.Error(), "JOB_123")
}

func TestIsJobNotFound(t *testing.T) {
	assert.False(t, IsJobNotFound(nil))
	assert.False(t, IsJobNotFound(New("some other error")))
	assert.True(t, IsJobNotFound(Wrap(ErrJobNotFound, "looking up job")))
}

func TestWrapPreservesSentinel(t *testing.T) {
	inner := Wrap(ErrStaleUpdate, "processed_items went backwards")
	outer := Wrapf(inner, "updating job %s", "JOB_456")
	assert.True(t, Is(outer, ErrStaleUpdate))
	assert.False(t, Is(outer, ErrJobNotFound))
}
