package resource

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructionSlots(t *testing.T) {
	c := NewController(Config{MaxConstructions: 2})

	require.NoError(t, c.AcquireConstruction(t.Context()))
	require.NoError(t, c.AcquireConstruction(t.Context()))
	assert.False(t, c.TryAcquireConstruction())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireConstruction(ctx))

	c.ReleaseConstruction()
	assert.True(t, c.TryAcquireConstruction())
}

func TestMemoryTracking(t *testing.T) {
	c := NewController(Config{})
	c.TrackMemory(100)
	c.TrackMemory(-40)
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestFileHandleLimit(t *testing.T) {
	assert.Equal(t, int64(64), NewController(Config{FileHandleLimit: 64}).FileHandleLimit())
	assert.Positive(t, NewController(Config{}).FileHandleLimit())
}

func TestNilController(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireConstruction(t.Context()))
	assert.True(t, c.TryAcquireConstruction())
	c.ReleaseConstruction()
	require.NoError(t, c.AcquireIO(t.Context(), 1<<30))
	assert.True(t, c.TryAcquireIO(1<<30))
	c.TrackMemory(10)
	assert.Zero(t, c.MemoryUsage())
	assert.Equal(t, int64(DefaultFileHandleLimit), c.FileHandleLimit())
}

func TestIOLimitSplitsLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(t.Context(), &buf, c)
	n, err := w.Write(make([]byte, 1<<20+10))
	require.NoError(t, err)
	assert.Equal(t, 1<<20+10, n)

	assert.False(t, c.TryAcquireIO(1<<20))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = NewRateLimitedReader(ctx, strings.NewReader("abc"), c).Read(make([]byte, 3))
	assert.Error(t, err)
}
