// Package prometheus exports embedb operational events as Prometheus
// metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/embedb"
)

const namespace = "embedb"

// Observer implements embedb.MetricsObserver.
type Observer struct {
	opLatency      *prometheus.HistogramVec
	writeRecords   *prometheus.CounterVec
	retries        *prometheus.CounterVec
	appliedRecords *prometheus.CounterVec
	skippedRecords *prometheus.CounterVec
	evictions      prometheus.Counter
	compactions    prometheus.Counter
	logPosition    prometheus.Gauge
}

var _ embedb.MetricsObserver = (*Observer)(nil)

// New creates an Observer and registers its collectors with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		opLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of collection operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		writeRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_records_total",
			Help:      "Records submitted to the log",
		}, []string{"op"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_retries_total",
			Help:      "Read attempts that hit a stale snapshot",
		}, []string{"op"}),
		appliedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "applied_records_total",
			Help:      "Log records applied by segments",
		}, []string{"scope"}),
		skippedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "skipped_records_total",
			Help:      "Log records skipped by segments",
		}, []string{"scope"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "evictions_total",
			Help:      "Collections evicted from memory",
		}),
		compactions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Collection versions committed",
		}),
		logPosition: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_position",
			Help:      "Last catalog log position advanced to",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (o *Observer) OnWrite(op string, records int, d time.Duration, err error) {
	o.opLatency.WithLabelValues(op, status(err)).Observe(d.Seconds())
	if err == nil {
		o.writeRecords.WithLabelValues(op).Add(float64(records))
	}
}

func (o *Observer) OnRead(op string, d time.Duration, err error) {
	o.opLatency.WithLabelValues(op, status(err)).Observe(d.Seconds())
}

func (o *Observer) OnRetry(op string) {
	o.retries.WithLabelValues(op).Inc()
}

func (o *Observer) OnApply(scope string, applied, skipped int) {
	o.appliedRecords.WithLabelValues(scope).Add(float64(applied))
	if skipped > 0 {
		o.skippedRecords.WithLabelValues(scope).Add(float64(skipped))
	}
}

func (o *Observer) OnEviction() { o.evictions.Inc() }

func (o *Observer) OnCompaction(committed bool, logPosition int64) {
	if committed {
		o.compactions.Inc()
	}
	o.logPosition.Set(float64(logPosition))
}
