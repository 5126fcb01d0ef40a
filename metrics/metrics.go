// Package metrics exposes Prometheus counters for interview sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coach"

type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	Turns *prometheus.CounterVec

	Transcriptions       *prometheus.CounterVec
	TranscriptionLatency *prometheus.HistogramVec
	ConnectionsLost      prometheus.Counter

	CompletionFallbacks *prometheus.CounterVec
	RespondLatency      prometheus.Histogram

	EventsPublished *prometheus.CounterVec
}

// New registers every metric with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that reached Capturing at least once",
		}),
		SessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached Ended",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently between start and end",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from first start to end",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns appended to session history",
		}, []string{"role"}),
		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Utterance transcriptions by provider and outcome",
		}, []string{"provider", "outcome"}),
		TranscriptionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_seconds",
			Help:      "Time from end of capture to transcript",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		ConnectionsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_lost_total",
			Help:      "Streaming transcription sockets closed unexpectedly",
		}),
		CompletionFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_fallbacks_total",
			Help:      "Completion failures replaced by a fixed reply",
		}, []string{"op"}),
		RespondLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "respond_latency_seconds",
			Help:      "Time spent producing the coach reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events handed to the event sink",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) RecordTranscription(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Transcriptions.WithLabelValues(provider, outcome).Inc()
	if outcome == "completed" {
		m.TranscriptionLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RecordTurn(role string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordFallback(op string) {
	if m == nil {
		return
	}
	m.CompletionFallbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordRespond(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RespondLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordEvent(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionLost() {
	if m == nil {
		return
	}
	m.ConnectionsLost.Inc()
}
