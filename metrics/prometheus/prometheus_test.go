package prometheus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedb"
	"github.com/hupe1980/embedb/model"
)

func TestObserverCounters(t *testing.T) {
	o := New(prometheus.NewRegistry())

	o.OnWrite("add", 3, time.Millisecond, nil)
	o.OnWrite("add", 2, time.Millisecond, errors.New("boom"))
	o.OnRetry("query")
	o.OnApply("vector", 3, 1)
	o.OnEviction()
	o.OnCompaction(true, 42)
	o.OnCompaction(false, 43)

	assert.Equal(t, 3.0, testutil.ToFloat64(o.writeRecords.WithLabelValues("add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.retries.WithLabelValues("query")))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.appliedRecords.WithLabelValues("vector")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.skippedRecords.WithLabelValues("vector")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.compactions))
	assert.Equal(t, 43.0, testutil.ToFloat64(o.logPosition))
	assert.Equal(t, 2, testutil.CollectAndCount(o.opLatency))
}

func TestObserverWithDB(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	o := New(reg)

	db, err := embedb.Open(ctx, embedb.WithMetricsObserver(o))
	require.NoError(t, err)
	defer db.Close()

	c, err := db.CreateCollection(ctx, "observed", nil, model.IndexConfig{})
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, embedb.Records{IDs: []string{"a", "b"}, Embeddings: [][]float32{{1}, {2}}}))
	_, err = c.Count(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.writeRecords.WithLabelValues("add")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.appliedRecords.WithLabelValues("vector")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.appliedRecords.WithLabelValues("metadata")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
