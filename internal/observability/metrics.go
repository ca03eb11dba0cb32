package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	// Turns counts conversation turns.
	// Labels: stage (stage the turn started in), outcome (ok|fallback|error|done)
	Turns *prometheus.CounterVec

	// TurnDuration measures end-to-end turn handling latency in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequests counts model calls.
	// Labels: purpose (turn|summary), status (success|error)
	LLMRequests *prometheus.CounterVec

	// TTSRequests counts speech synthesis lookups.
	// Labels: result (hit|miss|error|fallback)
	TTSRequests *prometheus.CounterVec

	// Finalizations counts finalize attempts.
	// Labels: result (emailed|error|skipped|failed)
	Finalizations *prometheus.CounterVec

	// ActiveSessions is the number of live conversation sessions.
	ActiveSessions prometheus.Gauge

	// SessionsEvicted counts sessions removed for inactivity.
	SessionsEvicted prometheus.Counter

	// Emails counts notification emails.
	// Labels: result (sent|error|no_recipients)
	Emails *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.  A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_turns_total",
			Help: "Conversation turns handled, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_turn_duration_seconds",
			Help:    "Latency of a single caller turn.",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13},
		}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_llm_requests_total",
			Help: "Language model requests, by purpose and status.",
		}, []string{"purpose", "status"}),
		TTSRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_tts_requests_total",
			Help: "Speech synthesis lookups, by result.",
		}, []string{"result"}),
		Finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_finalize_total",
			Help: "Finalize attempts, by result.",
		}, []string{"result"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "intake_active_sessions",
			Help: "Live conversation sessions.",
		}),
		SessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_evicted_total",
			Help: "Sessions removed after going idle.",
		}),
		Emails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_emails_total",
			Help: "Intake notification emails, by result.",
		}, []string{"result"}),
	}
}

// NopMetrics returns collectors registered on a private registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
