package embedb

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives operational events.
// Implement this interface to integrate with monitoring systems; the
// metrics/prometheus package provides a Prometheus implementation.
type MetricsObserver interface {
	// OnWrite is called after each Add/Update/Upsert/Delete with the
	// number of records submitted to the log.
	OnWrite(op string, records int, duration time.Duration, err error)

	// OnRead is called after each Get/Query/Count/Peek, retries included.
	OnRead(op string, duration time.Duration, err error)

	// OnRetry is called for every read attempt that hit a stale snapshot.
	OnRetry(op string)

	// OnApply is called after a segment applied a batch of log records.
	OnApply(scope string, applied, skipped int)

	// OnEviction is called when a collection is evicted from memory.
	OnEviction()

	// OnCompaction is called after the catalog state of a collection moved.
	OnCompaction(committed bool, logPosition int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnWrite(string, int, time.Duration, error) {}
func (NoopMetricsObserver) OnRead(string, time.Duration, error)       {}
func (NoopMetricsObserver) OnRetry(string)                            {}
func (NoopMetricsObserver) OnApply(string, int, int)                  {}
func (NoopMetricsObserver) OnEviction()                               {}
func (NoopMetricsObserver) OnCompaction(bool, int64)                  {}

// BasicMetricsObserver provides simple in-memory counters.
// Useful for debugging and tests without external dependencies.
type BasicMetricsObserver struct {
	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteRecords    atomic.Int64
	WriteTotalNanos atomic.Int64
	ReadCount       atomic.Int64
	ReadErrors      atomic.Int64
	ReadTotalNanos  atomic.Int64
	Retries         atomic.Int64
	AppliedRecords  atomic.Int64
	SkippedRecords  atomic.Int64
	Evictions       atomic.Int64
	Compactions     atomic.Int64
	LogPosition     atomic.Int64
}

// OnWrite implements MetricsObserver.
func (b *BasicMetricsObserver) OnWrite(_ string, records int, duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
		return
	}
	b.WriteRecords.Add(int64(records))
}

// OnRead implements MetricsObserver.
func (b *BasicMetricsObserver) OnRead(_ string, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// OnRetry implements MetricsObserver.
func (b *BasicMetricsObserver) OnRetry(string) { b.Retries.Add(1) }

// OnApply implements MetricsObserver.
func (b *BasicMetricsObserver) OnApply(_ string, applied, skipped int) {
	b.AppliedRecords.Add(int64(applied))
	b.SkippedRecords.Add(int64(skipped))
}

// OnEviction implements MetricsObserver.
func (b *BasicMetricsObserver) OnEviction() { b.Evictions.Add(1) }

// OnCompaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnCompaction(committed bool, logPosition int64) {
	if committed {
		b.Compactions.Add(1)
	}
	b.LogPosition.Store(logPosition)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		WriteCount:     b.WriteCount.Load(),
		WriteErrors:    b.WriteErrors.Load(),
		WriteRecords:   b.WriteRecords.Load(),
		WriteAvgNanos:  avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		ReadCount:      b.ReadCount.Load(),
		ReadErrors:     b.ReadErrors.Load(),
		ReadAvgNanos:   avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		Retries:        b.Retries.Load(),
		AppliedRecords: b.AppliedRecords.Load(),
		SkippedRecords: b.SkippedRecords.Load(),
		Evictions:      b.Evictions.Load(),
		Compactions:    b.Compactions.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	WriteCount     int64
	WriteErrors    int64
	WriteRecords   int64
	WriteAvgNanos  int64
	ReadCount      int64
	ReadErrors     int64
	ReadAvgNanos   int64
	Retries        int64
	AppliedRecords int64
	SkippedRecords int64
	Evictions      int64
	Compactions    int64
}
