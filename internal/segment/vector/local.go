package vector

import (
	"context"

	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/model"
)

// Local is an in-memory HNSW segment. Its state is rebuilt from the log
// whenever the instance is recreated.
type Local struct {
	*core
}

var _ segment.VectorReader = (*Local)(nil)

// NewLocal creates an empty in-memory segment.
func NewLocal(seg model.Segment, opts Options) (*Local, error) {
	c, err := newCore(seg, opts)
	if err != nil {
		return nil, err
	}
	return &Local{core: c}, nil
}

// Start is a no-op; there is nothing to load.
func (l *Local) Start(context.Context) error { return nil }

func (l *Local) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return nil
}

func (l *Local) Delete(context.Context) error { return l.Stop() }

// PersistedSeqID is always zero: nothing survives a restart.
func (l *Local) PersistedSeqID() int64 { return 0 }
