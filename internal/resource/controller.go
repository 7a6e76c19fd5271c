package resource

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultFileHandleLimit is assumed when the OS limit cannot be read.
const DefaultFileHandleLimit = 1024

// Config holds resource limits.
type Config struct {
	// MaxConstructions bounds how many segment instances may be loaded or
	// built concurrently. If 0, defaults to GOMAXPROCS.
	MaxConstructions int64

	// IOLimitBytesPerSec caps persist throughput. If 0, unlimited.
	IOLimitBytesPerSec int64

	// FileHandleLimit is the number of file handles segments may hold open.
	// If 0, the process RLIMIT_NOFILE soft limit is used.
	FileHandleLimit int64
}

// Controller governs resources shared by all segments of a node.
type Controller struct {
	cfg Config

	constructSem *semaphore.Weighted
	ioLimiter    *rate.Limiter
	memUsed      atomic.Int64
	fdLimit      int64
}

// NewController creates a resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConstructions <= 0 {
		cfg.MaxConstructions = int64(runtime.GOMAXPROCS(0))
	}

	c := &Controller{
		cfg:          cfg,
		constructSem: semaphore.NewWeighted(cfg.MaxConstructions),
		fdLimit:      cfg.FileHandleLimit,
	}
	if c.fdLimit <= 0 {
		c.fdLimit = openFileLimit()
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// AcquireConstruction reserves a construction slot, blocking while all are busy.
func (c *Controller) AcquireConstruction(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.constructSem.Acquire(ctx, 1)
}

// TryAcquireConstruction reserves a slot without blocking.
func (c *Controller) TryAcquireConstruction() bool {
	if c == nil {
		return true
	}
	return c.constructSem.TryAcquire(1)
}

// ReleaseConstruction returns a construction slot.
func (c *Controller) ReleaseConstruction() {
	if c == nil {
		return
	}
	c.constructSem.Release(1)
}

// AcquireIO waits until the IO limit allows n bytes. Requests larger than
// the burst are split.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// TryAcquireIO reports whether n bytes are available right now.
func (c *Controller) TryAcquireIO(n int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), n)
}

// TrackMemory adjusts the bytes held by cached segment instances.
func (c *Controller) TrackMemory(delta int64) {
	if c == nil {
		return
	}
	c.memUsed.Add(delta)
}

// MemoryUsage returns the bytes held by cached segment instances.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// FileHandleLimit returns the configured or discovered file handle budget.
func (c *Controller) FileHandleLimit() int64 {
	if c == nil {
		return DefaultFileHandleLimit
	}
	return c.fdLimit
}
