package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tool_sandbox",
			Subsystem: "invocations",
			Name:      "total",
			Help:      "Completed invocations by tool and result status.",
		},
		[]string{"tool", "status"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tool_sandbox",
			Subsystem: "invocations",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of executed invocations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"tool", "status"},
	)
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tool_sandbox",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests rejected before execution, by tool and error kind.",
		},
		[]string{"tool", "kind"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tool_sandbox",
			Subsystem: "admission",
			Name:      "running",
			Help:      "Invocations currently holding a global concurrency slot.",
		},
	)
	truncations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tool_sandbox",
			Subsystem: "executor",
			Name:      "output_truncations_total",
			Help:      "Captured streams that hit the output cap.",
		},
		[]string{"tool", "stream"},
	)
	auditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tool_sandbox",
			Subsystem: "audit",
			Name:      "mirror_dropped_total",
			Help:      "Audit events dropped by a full asynchronous mirror buffer.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(invocations, invocationDuration, rejections, running, truncations, auditDropped)
	})
}

func RecordInvocation(tool, status string, duration time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues(tool, status).Inc()
	invocationDuration.WithLabelValues(tool, status).Observe(duration.Seconds())
}

func RecordRejection(tool, kind string) {
	RegisterMetrics()
	rejections.WithLabelValues(tool, kind).Inc()
}

func SetRunning(n int64) {
	RegisterMetrics()
	running.Set(float64(n))
}

func RecordTruncation(tool, stream string) {
	RegisterMetrics()
	truncations.WithLabelValues(tool, stream).Inc()
}

func RecordAuditDrop() {
	RegisterMetrics()
	auditDropped.Inc()
}
