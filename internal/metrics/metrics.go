// Package metrics defines the Prometheus collectors exported by the
// consensus engine. Collectors are registered against an injected registerer
// so multiple engine instances can run isolated in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and turns every record method into a no-op.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	ContributionsTotal prometheus.Counter
	VotesTotal         prometheus.Counter
	TurnTimeoutsTotal  prometheus.Counter
	TriggersFiredTotal *prometheus.CounterVec

	// Monitor pattern detections
	PatternsDetectedTotal *prometheus.CounterVec
}

// New creates and registers the engine collectors against reg.
//
// All metrics are prefixed with "consensus_":
//   - consensus_sessions_active            - Sessions not yet terminal
//   - consensus_sessions_total{outcome}    - Terminal sessions by outcome
//   - consensus_contributions_total        - Contributions recorded
//   - consensus_votes_total                - Votes recorded
//   - consensus_turn_timeouts_total        - Turns resolved by timer expiry
//   - consensus_triggers_fired_total{type} - Trigger contexts emitted
//   - consensus_patterns_detected_total{pattern} - Monitor detections
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_sessions_active",
			Help: "Number of consensus sessions not yet terminal",
		}),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_sessions_total",
				Help: "Total terminal consensus sessions by outcome",
			},
			[]string{"outcome"}, // "committed" or "aborted"
		),
		ContributionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_contributions_total",
			Help: "Total contributions recorded across all sessions",
		}),
		VotesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_votes_total",
			Help: "Total votes recorded across all sessions",
		}),
		TurnTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_turn_timeouts_total",
			Help: "Total turns resolved by per-turn timer expiry",
		}),
		TriggersFiredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_triggers_fired_total",
				Help: "Total trigger contexts emitted by trigger type",
			},
			[]string{"type"},
		),
		PatternsDetectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_patterns_detected_total",
				Help: "Total monitor pattern detections",
			},
			[]string{"pattern"},
		),
	}
}

// SessionOpened records a new active session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed records a session reaching a terminal outcome.
func (m *Metrics) SessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

// ContributionRecorded counts one recorded contribution.
func (m *Metrics) ContributionRecorded() {
	if m == nil {
		return
	}
	m.ContributionsTotal.Inc()
}

// VoteRecorded counts one recorded vote.
func (m *Metrics) VoteRecorded() {
	if m == nil {
		return
	}
	m.VotesTotal.Inc()
}

// TurnTimedOut counts one turn resolved by timer expiry.
func (m *Metrics) TurnTimedOut() {
	if m == nil {
		return
	}
	m.TurnTimeoutsTotal.Inc()
}

// TriggerFired counts one emitted trigger context.
func (m *Metrics) TriggerFired(triggerType string) {
	if m == nil {
		return
	}
	m.TriggersFiredTotal.WithLabelValues(triggerType).Inc()
}

// PatternDetected counts one monitor pattern detection.
func (m *Metrics) PatternDetected(pattern string) {
	if m == nil {
		return
	}
	m.PatternsDetectedTotal.WithLabelValues(pattern).Inc()
}
