// Package trigger decides when a consensus session should open. Six built-in
// trigger kinds score candidate events independently; the highest-confidence
// applicable kind wins and a uniform TriggerContext is handed to registered
// callbacks. Duplicate events are suppressed within a dedupe window so
// re-evaluating the same condition cannot open two sessions.
package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/concordd/internal/metrics"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// Event is a candidate occurrence that may warrant a session.
type Event struct {
	// Source is the mechanism reporting the event.
	Source protocol.TriggerType

	Topic                 string
	Description           string
	Confidence            float64
	SuggestedParticipants []string

	// LeavingPhase carries the workflow phase being exited for
	// phase-transition events.
	LeavingPhase string

	Context    map[string]any
	OccurredAt time.Time
}

// Definition is one registered trigger kind.
type Definition struct {
	Kind protocol.TriggerType

	// Score returns the kind's confidence for the event and whether the
	// kind applies at all.
	Score func(Event) (float64, bool)
}

// Callback receives the winning trigger context.
type Callback func(protocol.TriggerContext)

// Config holds the trigger defaults.
type Config struct {
	// AgentMinConfidence gates agent-requested triggers.
	AgentMinConfidence float64

	// MandatoryTopics always fire through the checkpoint kind, bypassing
	// confidence thresholds.
	MandatoryTopics []string

	// TransitionPhases are the workflow phases whose exit fires the
	// phase-transition kind.
	TransitionPhases []string

	// ScheduledInterval rate-limits the scheduled kind.
	ScheduledInterval time.Duration

	// DedupeWindow suppresses refires of an identical event.
	DedupeWindow time.Duration
}

// DefaultConfig returns the documented trigger defaults.
func DefaultConfig() Config {
	return Config{
		AgentMinConfidence: 0.6,
		MandatoryTopics:    []string{"security_change", "breaking_change"},
		TransitionPhases:   []string{"design", "architecture", "planning"},
		ScheduledInterval:  30 * time.Minute,
		DedupeWindow:       5 * time.Minute,
	}
}

// Manager evaluates events against the registered trigger kinds. Reads are
// concurrent; registration and evaluation bookkeeping are serialized.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	defs      []Definition
	callbacks []Callback

	scheduledLimiter *rate.Limiter
	pendingDecision  bool

	// recent maps event fingerprints to their last-fired time.
	recent map[string]time.Time
}

// NewManager creates a manager with no kinds registered. Most callers want
// RegisterDefaults next. The metrics parameter may be nil.
func NewManager(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultConfig().DedupeWindow
	}
	if cfg.ScheduledInterval <= 0 {
		cfg.ScheduledInterval = DefaultConfig().ScheduledInterval
	}
	return &Manager{
		cfg:              cfg,
		logger:           logger,
		metrics:          m,
		scheduledLimiter: rate.NewLimiter(rate.Every(cfg.ScheduledInterval), 1),
		recent:           make(map[string]time.Time),
	}
}

// Register adds a trigger kind. Registration order is the tie-break when two
// kinds score the same confidence.
func (m *Manager) Register(def Definition) error {
	if def.Kind == "" {
		return fmt.Errorf("trigger definition requires a kind")
	}
	if def.Score == nil {
		return fmt.Errorf("trigger definition %s requires a score function", def.Kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = append(m.defs, def)
	return nil
}

// RegisterDefaults registers the six built-in kinds.
func (m *Manager) RegisterDefaults() {
	cfg := m.cfg

	_ = m.Register(Definition{
		Kind: protocol.TriggerUserRequested,
		Score: func(ev Event) (float64, bool) {
			// Explicit requests always fire.
			if ev.Source == protocol.TriggerUserRequested {
				return 1.0, true
			}
			return 0, false
		},
	})

	_ = m.Register(Definition{
		Kind: protocol.TriggerCheckpoint,
		Score: func(ev Event) (float64, bool) {
			// Mandatory topics bypass every confidence threshold,
			// whatever mechanism reported them.
			for _, topic := range cfg.MandatoryTopics {
				if ev.Topic == topic {
					return 1.0, true
				}
			}
			return 0, false
		},
	})

	_ = m.Register(Definition{
		Kind: protocol.TriggerAgentRequested,
		Score: func(ev Event) (float64, bool) {
			if ev.Source != protocol.TriggerAgentRequested {
				return 0, false
			}
			if ev.Confidence < cfg.AgentMinConfidence {
				return 0, false
			}
			return ev.Confidence, true
		},
	})

	_ = m.Register(Definition{
		Kind: protocol.TriggerMonitorDetected,
		Score: func(ev Event) (float64, bool) {
			// Per-pattern thresholds are applied by the monitor before
			// it reports; the kind passes the computed confidence on.
			if ev.Source != protocol.TriggerMonitorDetected {
				return 0, false
			}
			return ev.Confidence, true
		},
	})

	_ = m.Register(Definition{
		Kind: protocol.TriggerPhaseTransition,
		Score: func(ev Event) (float64, bool) {
			if ev.Source != protocol.TriggerPhaseTransition {
				return 0, false
			}
			for _, phase := range cfg.TransitionPhases {
				if ev.LeavingPhase == phase {
					return 0.8, true
				}
			}
			return 0, false
		},
	})

	_ = m.Register(Definition{
		Kind: protocol.TriggerScheduled,
		Score: func(ev Event) (float64, bool) {
			if ev.Source != protocol.TriggerScheduled {
				return 0, false
			}
			// Gated on an outstanding decision and rate-limited.
			if !m.PendingDecision() {
				return 0, false
			}
			if !m.scheduledLimiter.Allow() {
				return 0, false
			}
			return 0.5, true
		},
	})
}

// OnTrigger registers a callback fired whenever Evaluate yields a context.
func (m *Manager) OnTrigger(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// SetPendingDecision flags whether an undecided question is outstanding.
// Scheduled triggers fire only while the flag is set.
func (m *Manager) SetPendingDecision(pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDecision = pending
}

// PendingDecision reports the pending-decision flag.
func (m *Manager) PendingDecision() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingDecision
}

// Evaluate scores the event against every registered kind and returns the
// winning TriggerContext, or nil when nothing applies. The highest
// confidence wins; ties break by registration order. An identical event seen
// within the dedupe window returns nil, so evaluating the same condition
// twice cannot open two sessions.
func (m *Manager) Evaluate(ev Event) *protocol.TriggerContext {
	m.mu.Lock()
	defs := make([]Definition, len(m.defs))
	copy(defs, m.defs)
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	var (
		best     float64
		bestKind protocol.TriggerType
		found    bool
	)
	for _, def := range defs {
		score, ok := def.Score(ev)
		if !ok {
			continue
		}
		if !found || score > best {
			best = score
			bestKind = def.Kind
			found = true
		}
	}
	if !found {
		return nil
	}

	if !m.markFired(ev) {
		m.logger.Debug("duplicate trigger suppressed",
			zap.String("topic", ev.Topic),
			zap.String("kind", string(bestKind)))
		return nil
	}

	tc := &protocol.TriggerContext{
		TriggerType:           bestKind,
		Topic:                 ev.Topic,
		Description:           ev.Description,
		SuggestedParticipants: ev.SuggestedParticipants,
		Confidence:            best,
		RawContext:            ev.Context,
	}

	m.metrics.TriggerFired(string(bestKind))
	m.logger.Info("trigger fired",
		zap.String("kind", string(bestKind)),
		zap.String("topic", ev.Topic),
		zap.Float64("confidence", best))

	for _, cb := range callbacks {
		cb(*tc)
	}
	return tc
}

// markFired records the event fingerprint; it returns false when the same
// fingerprint fired within the dedupe window.
func (m *Manager) markFired(ev Event) bool {
	fp := fingerprint(ev)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.recent[fp]; ok && now.Sub(last) < m.cfg.DedupeWindow {
		return false
	}

	// Drop expired fingerprints so the map stays bounded.
	for key, last := range m.recent {
		if now.Sub(last) >= m.cfg.DedupeWindow {
			delete(m.recent, key)
		}
	}

	m.recent[fp] = now
	return true
}

func fingerprint(ev Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", ev.Source, ev.Topic, ev.Description)
	return hex.EncodeToString(h.Sum(nil))
}
