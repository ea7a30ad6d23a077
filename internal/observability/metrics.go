package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hiplan"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	phaseDuration    *prometheus.HistogramVec

	capabilityTotal    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec

	generationTotal    *prometheus.CounterVec
	generationRetries  *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec

	eventsDropped prometheus.Counter
	traceAppends  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_size",
				Help:      "Current queue size by lane.",
			}, []string{"lane"}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueue_total",
				Help:      "Total enqueue operations by lane.",
			}, []string{"lane"}),
			dequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dequeue_total",
				Help:      "Total completed tasks by lane and status.",
			}, []string{"lane", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds by lane.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"lane"}),
			sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total sessions created.",
			}),
			sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Total sessions reaching a terminal status, by status and failure reason.",
			}, []string{"status", "reason"}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions currently running.",
			}),
			phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of plan, act and observe phases.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"phase"}),
			capabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_invocations_total",
				Help:      "Capability invocations by capability and outcome kind.",
			}, []string{"capability", "outcome"}),
			capabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capability_duration_seconds",
				Help:      "Capability invocation latency by capability.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"capability"}),
			generationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_requests_total",
				Help:      "Generation requests by provider and status.",
			}, []string{"provider", "status"}),
			generationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_retries_total",
				Help:      "Generation attempts retried after a failure.",
			}, []string{"provider"}),
			generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Generation attempt latency by provider.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"provider"}),
			eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Progress events dropped because a subscriber queue was full.",
			}),
			traceAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trace_appends_total",
				Help:      "Trace store appends by phase and status.",
			}, []string{"phase", "status"}),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.sessionsStarted,
			m.sessionsFinished,
			m.activeSessions,
			m.phaseDuration,
			m.capabilityTotal,
			m.capabilityDuration,
			m.generationTotal,
			m.generationRetries,
			m.generationDuration,
			m.eventsDropped,
			m.traceAppends,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordSessionStarted() {
	m := getMetrics()
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// RecordSessionFinished counts a terminal session. reason is empty for
// completed sessions.
func RecordSessionFinished(status, reason string) {
	m := getMetrics()
	m.sessionsFinished.WithLabelValues(status, reason).Inc()
	m.activeSessions.Dec()
}

func RecordPhase(phase string, duration time.Duration) {
	getMetrics().phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordCapabilityInvocation counts an invocation. outcome is "ok" or the
// capability error kind.
func RecordCapabilityInvocation(capability, outcome string, duration time.Duration) {
	m := getMetrics()
	m.capabilityTotal.WithLabelValues(capability, outcome).Inc()
	m.capabilityDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

func RecordGeneration(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.generationTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordGenerationRetry(provider string) {
	getMetrics().generationRetries.WithLabelValues(provider).Inc()
}

func RecordEventDropped() {
	getMetrics().eventsDropped.Inc()
}

func RecordTraceAppend(phase string, success bool) {
	getMetrics().traceAppends.WithLabelValues(phase, statusLabel(success)).Inc()
}
