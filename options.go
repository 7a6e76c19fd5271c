package embedb

import (
	"time"

	"github.com/hupe1980/embedb/blobstore"
	"github.com/hupe1980/embedb/codec"
)

// RetryPolicy controls how reads retry a stale snapshot.
type RetryPolicy struct {
	// Wait is the fixed delay between attempts.
	Wait time.Duration

	// MaxAttempts bounds the attempts, the first one included.
	MaxAttempts int
}

// DefaultRetryPolicy waits 2s between at most 5 attempts.
var DefaultRetryPolicy = RetryPolicy{Wait: 2 * time.Second, MaxAttempts: 5}

// DefaultHistoryRetention is the number of log offsets older snapshots can
// reach back.
const DefaultHistoryRetention = 10_000

type options struct {
	persistDir       string
	logger           *Logger
	metrics          MetricsObserver
	memoryLimit      int64
	fileHandleLimit  int64
	maxConstructions int64
	ioLimit          int64
	retry            RetryPolicy
	compression      codec.Compression
	codec            codec.Codec
	archive          blobstore.Store
	historyRetention int64
	syncWrites       bool
}

// Option configures Open.
type Option func(*options)

// WithPersistDirectory stores the catalog, the log and all segments below
// dir. Without it the database lives in memory and is gone after Close.
func WithPersistDirectory(dir string) Option {
	return func(o *options) {
		o.persistDir = dir
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := embedb.NewJSONLogger(zapcore.InfoLevel)
//	db, _ := embedb.Open(ctx, embedb.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsObserver configures a metrics observer.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsObserver:
//
//	metrics := &embedb.BasicMetricsObserver{}
//	db, _ := embedb.Open(ctx, embedb.WithMetricsObserver(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Writes: %d, Retries: %d\n", stats.WriteCount, stats.Retries)
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsObserver{}
		}
		o.metrics = m
	}
}

// WithMemoryLimitBytes bounds the size of loaded collections. Least
// recently used collections are unloaded when the limit is exceeded.
// Zero (the default) keeps every collection loaded.
func WithMemoryLimitBytes(n int64) Option {
	return func(o *options) {
		o.memoryLimit = n
	}
}

// WithFileHandleLimit sets the number of file handles persisted vector
// segments may keep open. Zero uses the process RLIMIT_NOFILE soft limit.
func WithFileHandleLimit(n int64) Option {
	return func(o *options) {
		o.fileHandleLimit = n
	}
}

// WithMaxConstructions bounds how many segments load concurrently.
// Zero uses GOMAXPROCS.
func WithMaxConstructions(n int64) Option {
	return func(o *options) {
		o.maxConstructions = n
	}
}

// WithIOLimit caps the bytes per second written when persisting and
// archiving vector segments.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		o.retry = p
	}
}

// WithLogCompression compresses log payloads.
func WithLogCompression(c codec.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCodec configures the codec used for metadata in log payloads.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithArchive uploads persisted vector segment files to store after every
// persist and restores them from there when the local copy is missing.
func WithArchive(store blobstore.Store) Option {
	return func(o *options) {
		o.archive = store
	}
}

// WithHistoryRetention sets how many log offsets of superseded records stay
// readable by older snapshots. Zero keeps all history.
func WithHistoryRetention(offsets int64) Option {
	return func(o *options) {
		o.historyRetention = offsets
	}
}

// WithSyncWrites controls whether every write is fsynced before it is
// acknowledged. Enabled by default.
func WithSyncWrites(sync bool) Option {
	return func(o *options) {
		o.syncWrites = sync
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metrics:          NoopMetricsObserver{},
		retry:            DefaultRetryPolicy,
		codec:            codec.Default,
		historyRetention: DefaultHistoryRetention,
		syncWrites:       true,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
