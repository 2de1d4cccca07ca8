package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stage names shared by metrics, logs and the latency window.
const (
	StageReceived        = "received"
	StageTranscribed     = "transcribed"
	StageHistorySelected = "history_selected"
	StagePromptAssembled = "prompt_assembled"
	StageModelInvoked    = "model_invoked"
	StagePersisted       = "persisted"
	StageDelivered       = "delivered"
	StageReplyTotal      = "reply_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Sessions         prometheus.Gauge
	PipelineEvents   *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	DeliveryChunks   *prometheus.CounterVec
	PersistQueue     prometheus.Gauge
	ReplyLatency     prometheus.Histogram
	HistoryTurnsUsed prometheus.Histogram

	latency *latencyWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers instruments on reg; tests pass a fresh registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of identities with an in-memory conversation window.",
		}),
		PipelineEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_events_total",
			Help:      "Pipeline stage transitions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and code.",
		}, []string{"provider", "code"}),
		DeliveryChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_chunks_total",
			Help:      "Outbound message chunks by outcome.",
		}, []string{"outcome"}),
		PersistQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Turns waiting to be written to durable storage.",
		}),
		ReplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_ms",
			Help:      "Latency from receipt to delivered reply in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		HistoryTurnsUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_turns_selected",
			Help:      "Number of prior turns packed into each prompt.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		latency: newLatencyWindow(256),
	}
}

// ObserveStage records a stage outcome and, on success, its latency.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineEvents.WithLabelValues(stage, outcome).Inc()
	if outcome == "ok" {
		m.latency.record(stage, d)
	} else {
		m.latency.fail(stage, outcome)
	}
}

func (m *Metrics) ObserveReply(d time.Duration) {
	if m == nil {
		return
	}
	m.ReplyLatency.Observe(float64(d.Milliseconds()))
	m.latency.record(StageReplyTotal, d)
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveDeliveryChunk(ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.DeliveryChunks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHistoryTurns(n int) {
	if m == nil {
		return
	}
	m.HistoryTurnsUsed.Observe(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Metrics) SetPersistQueue(n int) {
	if m == nil {
		return
	}
	m.PersistQueue.Set(float64(n))
}

// LatencyReport returns rolling per-stage latency percentiles.
func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC()}
	}
	return m.latency.Report()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
