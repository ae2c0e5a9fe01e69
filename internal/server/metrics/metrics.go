// Package metrics exposes Prometheus counters for the session engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks sessions issued, refresh outcomes, recovery token usage and
// gate rejections.
type Metrics struct {
	SessionsIssued   *prometheus.CounterVec
	RefreshOutcomes  *prometheus.CounterVec
	RecoveryTokens   *prometheus.CounterVec
	GateRejections   *prometheus.CounterVec
	PasswordHashTime prometheus.Histogram
}

// New registers every metric with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophauth_sessions_issued_total",
			Help: "Token pairs issued, by login method",
		}, []string{"method"}),
		RefreshOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophauth_refresh_total",
			Help: "Refresh token redemptions, by outcome",
		}, []string{"outcome"}),
		RecoveryTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophauth_recovery_tokens_total",
			Help: "Recovery tokens issued and redeemed, by kind and outcome",
		}, []string{"kind", "outcome"}),
		GateRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophauth_gate_rejections_total",
			Help: "Requests rejected by the authentication gate, by reason",
		}, []string{"reason"}),
		PasswordHashTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gophauth_password_hash_duration_seconds",
			Help:    "Duration of password hash and compare operations",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
	}
}

func (m *Metrics) IncSessionIssued(method string) {
	if m == nil {
		return
	}
	m.SessionsIssued.WithLabelValues(method).Inc()
}

func (m *Metrics) IncRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRecovery(kind, outcome string) {
	if m == nil {
		return
	}
	m.RecoveryTokens.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncGateRejection(reason string) {
	if m == nil {
		return
	}
	m.GateRejections.WithLabelValues(reason).Inc()
}

// ObservePasswordHash records the duration of a hash or compare.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObservePasswordHash(start time.Time) {
	if m == nil {
		return
	}
	m.PasswordHashTime.Observe(time.Since(start).Seconds())
}
