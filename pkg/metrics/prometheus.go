package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ranya_stt"

// PrometheusObserver maps metrics events onto Prometheus collectors.
type PrometheusObserver struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	audioSeconds  *prometheus.CounterVec
	transcripts   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	connectTime   *prometheus.HistogramVec
	firstInterim  *prometheus.HistogramVec
	firstFinal    *prometheus.HistogramVec
	breakerIsOpen *prometheus.GaugeVec
}

// NewPrometheusObserver registers its collectors on reg. A nil reg gets a
// fresh registry, available through Registry.
func NewPrometheusObserver(reg *prometheus.Registry) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	latencyBuckets := []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000}
	return &PrometheusObserver{
		registry: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of STT events by name",
		}, []string{"name", "provider"}),
		audioSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_total",
			Help:      "Seconds of audio sent to the STT provider",
		}, []string{"provider"}),
		transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript events received by type",
		}, []string{"type", "provider"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "STT errors by reason",
		}, []string{"reason", "provider"}),
		connectTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time to open the provider connection and send the handshake",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),
		firstInterim: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_interim_latency_ms",
			Help:      "Time from first audio to first interim transcript",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),
		firstFinal: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_final_latency_ms",
			Help:      "Time from first audio to first final transcript",
			Buckets:   latencyBuckets,
		}, []string{"provider"}),
		breakerIsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the provider circuit breaker is open",
		}, []string{"provider"}),
	}
}

func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	provider := ev.Tags[TagProvider]
	p.events.WithLabelValues(ev.Name, provider).Inc()
	switch ev.Name {
	case EventAudioIn:
		if ms, ok := ev.Fields[FieldAudioMs].(int64); ok && ms > 0 {
			p.audioSeconds.WithLabelValues(provider).Add(float64(ms) / 1000)
		}
	case EventInterim:
		p.transcripts.WithLabelValues("interim", provider).Inc()
	case EventFinal:
		p.transcripts.WithLabelValues("final", provider).Inc()
	case EventConnect:
		p.connectTime.WithLabelValues(provider).Observe(ev.Value)
	case EventFirstInterimMs:
		p.firstInterim.WithLabelValues(provider).Observe(ev.Value)
	case EventFirstFinalMs:
		p.firstFinal.WithLabelValues(provider).Observe(ev.Value)
	case EventBreakerOpen:
		p.breakerIsOpen.WithLabelValues(provider).Set(1)
	case EventBreakerClose:
		p.breakerIsOpen.WithLabelValues(provider).Set(0)
	case EventConnectError, EventServiceError, EventSessionError, EventRateLimit, EventFlushError, EventSinkError, EventMalformed:
		reason := ev.Tags[TagReason]
		if reason == "" {
			reason = ev.Name
		}
		p.errors.WithLabelValues(reason, provider).Inc()
	}
}
