package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenant_provisioner"

// Metrics holds every collector the service exports. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Webhook metrics
	WebhookEvents *prometheus.CounterVec

	// Orchestration metrics
	StepOutcomes      *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	TasksProcessed    *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	FailedTenants     prometheus.Gauge
	ReconcileEnqueued *prometheus.CounterVec

	// Request metrics
	RequestDuration *prometheus.HistogramVec
	RequestCounter  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook events by type and disposition",
			},
			[]string{"type", "disposition"},
		),

		StepOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_outcomes_total",
				Help:      "Orchestration step completions by action and outcome",
			},
			[]string{"action", "outcome"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of orchestration steps in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"action"},
		),

		TasksProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_processed_total",
				Help:      "Queue tasks processed by target state and result",
			},
			[]string{"target", "result"},
		),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queued orchestration tasks",
		}),

		FailedTenants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_tenants",
			Help:      "Number of tenants in FAILED status",
		}),

		ReconcileEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_enqueued_total",
				Help:      "Tasks enqueued by the reconciler by reason",
			},
			[]string{"reason"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveWebhook(eventType, disposition string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, disposition).Inc()
}

func (m *Metrics) ObserveStep(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepOutcomes.WithLabelValues(action, outcome).Inc()
	m.StepDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) ObserveTask(target, result string) {
	if m == nil {
		return
	}
	m.TasksProcessed.WithLabelValues(target, result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetFailedTenants(n int) {
	if m == nil {
		return
	}
	m.FailedTenants.Set(float64(n))
}

func (m *Metrics) ObserveReconcile(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconcileEnqueued.WithLabelValues(reason).Add(float64(n))
}

// Middleware tracks request metrics
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RequestCounter.WithLabelValues(c.Request.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
