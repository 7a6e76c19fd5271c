package embedb

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/model"
)

// Logger wraps zap.Logger with embedb-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*zap.Logger
}

// NewLogger wraps z. If z is nil, a production JSON logger at Info level is used.
func NewLogger(z *zap.Logger) *Logger {
	if z == nil {
		z = newZap(zap.NewProductionConfig(), zapcore.InfoLevel)
	}
	return &Logger{Logger: z}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs to stderr.
func NewJSONLogger(level zapcore.Level) *Logger {
	return &Logger{Logger: newZap(zap.NewProductionConfig(), level)}
}

// NewDevelopmentLogger creates a Logger that outputs human-readable console logs.
func NewDevelopmentLogger(level zapcore.Level) *Logger {
	return &Logger{Logger: newZap(zap.NewDevelopmentConfig(), level)}
}

func newZap(cfg zap.Config, level zapcore.Level) *zap.Logger {
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return z
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithCollection adds the collection id and name.
func (l *Logger) WithCollection(id uuid.UUID, name string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Stringer("collection_id", id), zap.String("collection", name))}
}

// WithSegment adds the segment id and scope.
func (l *Logger) WithSegment(seg model.Segment) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Stringer("segment_id", seg.ID), zap.Stringer("scope", seg.Scope))}
}

// LogWrite logs a submitted write.
func (l *Logger) LogWrite(op model.Operation, records int, lastOffset int64, err error) {
	if err != nil {
		l.Error("write failed",
			zap.Stringer("operation", op),
			zap.Int("records", records),
			zap.Error(err),
		)
		return
	}
	l.Debug("write submitted",
		zap.Stringer("operation", op),
		zap.Int("records", records),
		zap.Int64("log_offset", lastOffset),
	)
}

// LogRead logs a read that failed after all retries.
func (l *Logger) LogRead(op string, attempts int, err error) {
	if err == nil {
		return
	}
	l.Warn("read failed",
		zap.String("operation", op),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

// LogApply logs one batch of log records applied by a segment.
func (l *Logger) LogApply(seg model.Segment, stats segment.ApplyStats) {
	if stats.Skipped() > 0 {
		l.Warn("applied log records with skips",
			zap.Stringer("collection_id", seg.Collection),
			zap.Stringer("segment_id", seg.ID),
			zap.Int("applied", stats.Applied),
			zap.Int("skipped_duplicate", stats.SkippedDuplicate),
			zap.Int("skipped_missing", stats.SkippedMissing),
			zap.Int("skipped_invalid", stats.SkippedInvalid),
		)
		return
	}
	l.Debug("applied log records",
		zap.Stringer("collection_id", seg.Collection),
		zap.Stringer("segment_id", seg.ID),
		zap.Int("applied", stats.Applied),
	)
}

// LogEviction logs a collection evicted from memory.
func (l *Logger) LogEviction(collection uuid.UUID) {
	l.Info("collection evicted", zap.Stringer("collection_id", collection))
}

// LogRecovery logs the result of opening a database directory.
func (l *Logger) LogRecovery(dir string, collections int, err error) {
	if err != nil {
		l.Error("recovery failed",
			zap.String("dir", dir),
			zap.Error(err),
		)
		return
	}
	l.Info("database opened",
		zap.String("dir", dir),
		zap.Int("collections", collections),
	)
}
