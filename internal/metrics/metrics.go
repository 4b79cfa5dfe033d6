// Package metrics exposes the prometheus/client_golang counters and
// histograms the scheduler and builder daemons publish on their /metrics
// endpoints.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hgcc"

// Metrics holds every counter, gauge and histogram either daemon registers.
type Metrics struct {
	TasksTotal     *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	FallbacksTotal *prometheus.CounterVec

	BuildersTotal *prometheus.GaugeVec
	ActiveTasks   *prometheus.GaugeVec
	QueueDepth    prometheus.Gauge

	TaskDuration  *prometheus.HistogramVec
	TransferBytes *prometheus.HistogramVec

	CircuitState *prometheus.GaugeVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide singleton, registered with the default
// registerer on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
		defaultMetrics.Register(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New builds an unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compiles_total", Help: "Total compiles dispatched",
		}, []string{"status", "builder"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "objcache_hits_total", Help: "Object cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "objcache_misses_total", Help: "Object cache misses",
		}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "local_fallbacks_total", Help: "Local fallback compiles by reason",
		}, []string{"reason"}),
		BuildersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "builders_total", Help: "Registered builders by state and discovery source",
		}, []string{"state", "source"}),
		ActiveTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tasks", Help: "In-flight compiles per builder",
		}, []string{"builder"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Clients waiting for a builder assignment",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds", Help: "End-to-end remote compile duration",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		TransferBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "transfer_bytes", Help: "Bytes transferred to/from builders",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"direction"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_state", Help: "0=closed 1=half-open 2=open",
		}, []string{"builder"}),
	}
}

// Register registers every metric with reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.TasksTotal, m.CacheHits, m.CacheMisses, m.FallbacksTotal,
		m.BuildersTotal, m.ActiveTasks, m.QueueDepth,
		m.TaskDuration, m.TransferBytes, m.CircuitState,
	)
}

// Handler returns the HTTP handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// TaskStatus is the label value for a finished compile.
type TaskStatus string

const (
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusError   TaskStatus = "error"
	TaskStatusTimeout TaskStatus = "timeout"
)

func (m *Metrics) RecordTaskComplete(status TaskStatus, _ string, builderID string, durationSec float64) {
	m.TasksTotal.WithLabelValues(string(status), builderID).Inc()
	if durationSec > 0 {
		m.TaskDuration.WithLabelValues(string(status)).Observe(durationSec)
	}
}

func (m *Metrics) RecordCacheHit()  { m.CacheHits.Inc() }
func (m *Metrics) RecordCacheMiss() { m.CacheMisses.Inc() }

func (m *Metrics) RecordFallback(reason string) {
	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBuilderCount(state, source string, count float64) {
	m.BuildersTotal.WithLabelValues(state, source).Set(count)
}

func (m *Metrics) SetActiveTasks(builderID string, count float64) {
	m.ActiveTasks.WithLabelValues(builderID).Set(count)
}

func (m *Metrics) RecordTransfer(direction string, bytes float64) {
	m.TransferBytes.WithLabelValues(direction).Observe(bytes)
}

// CircuitStateValue is the numeric gauge value for a circuit breaker state.
type CircuitStateValue float64

const (
	CircuitStateClosed   CircuitStateValue = 0
	CircuitStateHalfOpen CircuitStateValue = 1
	CircuitStateOpen     CircuitStateValue = 2
)

func (m *Metrics) SetCircuitState(builderID string, state CircuitStateValue) {
	m.CircuitState.WithLabelValues(builderID).Set(float64(state))
}

func (m *Metrics) RemoveBuilderMetrics(builderID string) {
	m.ActiveTasks.DeleteLabelValues(builderID)
	m.CircuitState.DeleteLabelValues(builderID)
}
