package embedb

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hupe1980/embedb/internal/segment"
	"github.com/hupe1980/embedb/model"
)

func observedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewLogger(zap.New(core)), logs
}

func TestLoggerHelpers(t *testing.T) {
	l, logs := observedLogger(zapcore.DebugLevel)
	seg := model.Segment{ID: uuid.New(), Collection: uuid.New(), Scope: model.ScopeVector}

	l.LogApply(seg, segment.ApplyStats{Applied: 3})
	l.LogApply(seg, segment.ApplyStats{Applied: 1, SkippedDuplicate: 2})
	l.LogRead("get", 1, nil)
	l.LogRead("query", 5, errors.New("stale"))
	l.WithSegment(seg).LogEviction(seg.Collection)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(2), entries[1].ContextMap()["skipped_duplicate"])
	assert.Equal(t, "read failed", entries[2].Message)
	assert.Equal(t, int64(5), entries[2].ContextMap()["attempts"])
	assert.Equal(t, seg.ID.String(), entries[3].ContextMap()["segment_id"])
}

func TestWritesAreLogged(t *testing.T) {
	ctx := context.Background()
	l, logs := observedLogger(zapcore.DebugLevel)
	db := openDB(t, WithLogger(l))
	c := createCollection(t, db, "logged")

	require.NoError(t, c.Add(ctx, Records{IDs: []string{"a"}, Embeddings: [][]float32{{1}}}))
	require.NoError(t, c.Add(ctx, Records{IDs: []string{"a"}, Embeddings: [][]float32{{1}}}))

	written := logs.FilterMessage("write submitted").All()
	require.Len(t, written, 2)
	assert.Equal(t, "logged", written[0].ContextMap()["collection"])
	assert.Equal(t, int64(1), written[0].ContextMap()["log_offset"])
	assert.Equal(t, int64(2), written[1].ContextMap()["log_offset"])

	assert.NotEmpty(t, logs.FilterMessage("applied log records with skips").All())
}
