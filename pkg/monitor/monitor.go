// Package monitor watches agent activity on the bus for latent-conflict
// patterns and synthesizes monitor-detected trigger events without any
// explicit request. Four patterns are tracked: concurrent edits to the same
// resource, pairwise opinion divergence, repeated corrections aimed at one
// agent, and stalled progress. Each pattern has a cooldown so the same
// condition cannot refire back to back.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/internal/metrics"
	"github.com/fyrsmithlabs/concordd/pkg/bus"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
	"github.com/fyrsmithlabs/concordd/pkg/trigger"
)

// ActivitySubject is the bus subject carrying agent activity records.
const ActivitySubject = "consensus.activity"

// Pattern names, used in trigger context and metrics labels.
const (
	PatternConflictingEdits    = "conflicting_edits"
	PatternOpinionDivergence   = "opinion_divergence"
	PatternRepeatedCorrections = "repeated_corrections"
	PatternStalledProgress     = "stalled_progress"
)

// ActivityKind classifies one observed agent action.
type ActivityKind string

const (
	ActivityEdit       ActivityKind = "edit"
	ActivityOpinion    ActivityKind = "opinion"
	ActivityCorrection ActivityKind = "correction"
	ActivityHeartbeat  ActivityKind = "heartbeat"
)

// Activity is one observed agent action. Host integrations publish these as
// envelope payloads on ActivitySubject; tests may feed them directly through
// Record.
type Activity struct {
	Kind    ActivityKind `json:"kind"`
	AgentID string       `json:"agent_id"`

	// Resource is the artifact touched by an edit.
	Resource string `json:"resource,omitempty"`

	// Topic and Position express an opinion's subject and stance in [0, 1];
	// pairwise divergence is the absolute stance distance.
	Topic    string  `json:"topic,omitempty"`
	Position float64 `json:"position,omitempty"`

	// TargetAgentID is the recipient of a correction.
	TargetAgentID string `json:"target_agent_id,omitempty"`

	At time.Time `json:"at"`
}

// Config holds the pattern thresholds and windows.
type Config struct {
	ConflictWindow    time.Duration
	ConflictMinAgents int

	DivergenceWindow    time.Duration
	DivergenceThreshold float64

	CorrectionWindow    time.Duration
	CorrectionThreshold int

	StallWindow  time.Duration
	ScanInterval time.Duration

	// Cooldown suppresses refires per pattern.
	Cooldown time.Duration
}

// DefaultConfig returns the documented monitor defaults.
func DefaultConfig() Config {
	return Config{
		ConflictWindow:      5 * time.Minute,
		ConflictMinAgents:   2,
		DivergenceWindow:    10 * time.Minute,
		DivergenceThreshold: 0.6,
		CorrectionWindow:    5 * time.Minute,
		CorrectionThreshold: 3,
		StallWindow:         5 * time.Minute,
		ScanInterval:        30 * time.Second,
		Cooldown:            5 * time.Minute,
	}
}

// Status is the operator-facing monitor state.
type Status struct {
	Running          bool      `json:"running"`
	LastActivity     time.Time `json:"last_activity"`
	TrackedResources int       `json:"tracked_resources"`
	TrackedTopics    int       `json:"tracked_topics"`
	TrackedTargets   int       `json:"tracked_targets"`
}

type editRecord struct {
	agentID string
	at      time.Time
}

type opinionRecord struct {
	position float64
	at       time.Time
}

// Monitor aggregates activity and reports patterns to the trigger manager.
type Monitor struct {
	cfg      Config
	triggers *trigger.Manager
	bus      bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	running      bool
	edits        map[string][]editRecord
	opinions     map[string]map[string]opinionRecord
	corrections  map[string][]time.Time
	lastActivity time.Time
	lastFired    map[string]time.Time

	sub    bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped monitor. The bus may be nil when activity is fed
// directly through Record; the metrics parameter may be nil.
func New(cfg Config, triggers *trigger.Manager, b bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:         cfg,
		triggers:    triggers,
		bus:         b,
		logger:      logger,
		metrics:     m,
		edits:       make(map[string][]editRecord),
		opinions:    make(map[string]map[string]opinionRecord),
		corrections: make(map[string][]time.Time),
		lastFired:   make(map[string]time.Time),
	}
}

// Start subscribes to the activity subject and begins the stall scanner.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	if m.bus != nil {
		sub, err := m.bus.Subscribe(ActivitySubject, m.handleEnvelope)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", ActivitySubject, err)
		}
		m.sub = sub
	}

	scanCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.lastActivity = time.Now()
	m.running = true

	m.wg.Add(1)
	go m.scanLoop(scanCtx)

	m.logger.Info("monitor started",
		zap.Duration("stall_window", m.cfg.StallWindow),
		zap.Duration("scan_interval", m.cfg.ScanInterval))
	return nil
}

// Stop unsubscribes and halts the stall scanner.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
		m.sub = nil
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// Status reports the monitor's current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:          m.running,
		LastActivity:     m.lastActivity,
		TrackedResources: len(m.edits),
		TrackedTopics:    len(m.opinions),
		TrackedTargets:   len(m.corrections),
	}
}

func (m *Monitor) handleEnvelope(env protocol.Envelope) {
	var a Activity
	if err := env.DecodePayload(&a); err != nil {
		m.logger.Warn("dropping malformed activity record", zap.Error(err))
		return
	}
	if a.AgentID == "" {
		a.AgentID = env.From
	}
	m.Record(a)
}

// Record folds one activity into the pattern state and fires any pattern
// whose threshold the record crosses.
func (m *Monitor) Record(a Activity) {
	if a.At.IsZero() {
		a.At = time.Now()
	}

	m.mu.Lock()
	m.lastActivity = a.At

	var ev *trigger.Event
	switch a.Kind {
	case ActivityEdit:
		ev = m.recordEditLocked(a)
	case ActivityOpinion:
		ev = m.recordOpinionLocked(a)
	case ActivityCorrection:
		ev = m.recordCorrectionLocked(a)
	case ActivityHeartbeat:
		// Heartbeats only refresh the stall clock.
	default:
		m.logger.Debug("ignoring unknown activity kind", zap.String("kind", string(a.Kind)))
	}
	m.mu.Unlock()

	if ev != nil {
		m.triggers.Evaluate(*ev)
	}
}

func (m *Monitor) recordEditLocked(a Activity) *trigger.Event {
	if a.Resource == "" {
		return nil
	}
	records := pruneEdits(m.edits[a.Resource], a.At.Add(-m.cfg.ConflictWindow))
	records = append(records, editRecord{agentID: a.AgentID, at: a.At})
	m.edits[a.Resource] = records

	agents := make(map[string]bool)
	for _, r := range records {
		agents[r.agentID] = true
	}
	if len(agents) < m.cfg.ConflictMinAgents {
		return nil
	}
	if !m.cooldownClearLocked(PatternConflictingEdits, a.At) {
		return nil
	}

	names := make([]string, 0, len(agents))
	for id := range agents {
		names = append(names, id)
	}
	confidence := capConfidence(float64(len(agents)) / float64(m.cfg.ConflictMinAgents))
	return m.patternEventLocked(PatternConflictingEdits, a.At, trigger.Event{
		Topic:                 fmt.Sprintf("conflicting edits to %s", a.Resource),
		Description:           fmt.Sprintf("%d agents edited %s within %s", len(agents), a.Resource, m.cfg.ConflictWindow),
		Confidence:            confidence,
		SuggestedParticipants: names,
		Context: map[string]any{
			"pattern":  PatternConflictingEdits,
			"resource": a.Resource,
			"agents":   len(agents),
		},
	})
}

func (m *Monitor) recordOpinionLocked(a Activity) *trigger.Event {
	if a.Topic == "" {
		return nil
	}
	byAgent, ok := m.opinions[a.Topic]
	if !ok {
		byAgent = make(map[string]opinionRecord)
		m.opinions[a.Topic] = byAgent
	}
	byAgent[a.AgentID] = opinionRecord{position: a.Position, at: a.At}

	cutoff := a.At.Add(-m.cfg.DivergenceWindow)
	var (
		divergence float64
		pairA      string
		pairB      string
	)
	for idA, recA := range byAgent {
		if recA.at.Before(cutoff) {
			continue
		}
		for idB, recB := range byAgent {
			if idA >= idB || recB.at.Before(cutoff) {
				continue
			}
			d := recA.position - recB.position
			if d < 0 {
				d = -d
			}
			if d > divergence {
				divergence = d
				pairA, pairB = idA, idB
			}
		}
	}
	if divergence < m.cfg.DivergenceThreshold {
		return nil
	}
	if !m.cooldownClearLocked(PatternOpinionDivergence, a.At) {
		return nil
	}

	return m.patternEventLocked(PatternOpinionDivergence, a.At, trigger.Event{
		Topic:                 fmt.Sprintf("opinion divergence on %s", a.Topic),
		Description:           fmt.Sprintf("%s and %s diverge by %.2f on %s", pairA, pairB, divergence, a.Topic),
		Confidence:            capConfidence(divergence),
		SuggestedParticipants: []string{pairA, pairB},
		Context: map[string]any{
			"pattern":    PatternOpinionDivergence,
			"topic":      a.Topic,
			"divergence": divergence,
		},
	})
}

func (m *Monitor) recordCorrectionLocked(a Activity) *trigger.Event {
	if a.TargetAgentID == "" {
		return nil
	}
	cutoff := a.At.Add(-m.cfg.CorrectionWindow)
	times := m.corrections[a.TargetAgentID]
	kept := times[:0]
	for _, ts := range times {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, a.At)
	m.corrections[a.TargetAgentID] = kept

	if len(kept) < m.cfg.CorrectionThreshold {
		return nil
	}
	if !m.cooldownClearLocked(PatternRepeatedCorrections, a.At) {
		return nil
	}

	// Confidence scales with how far past the threshold the count is.
	confidence := capConfidence(float64(len(kept)) / float64(m.cfg.CorrectionThreshold))
	return m.patternEventLocked(PatternRepeatedCorrections, a.At, trigger.Event{
		Topic:                 fmt.Sprintf("repeated corrections of %s", a.TargetAgentID),
		Description:           fmt.Sprintf("%d corrections directed at %s within %s", len(kept), a.TargetAgentID, m.cfg.CorrectionWindow),
		Confidence:            confidence,
		SuggestedParticipants: []string{a.TargetAgentID},
		Context: map[string]any{
			"pattern":     PatternRepeatedCorrections,
			"target":      a.TargetAgentID,
			"corrections": len(kept),
		},
	})
}

// patternEventLocked finalizes a detection: stamps the cooldown, counts the
// metric, and builds the monitor-detected trigger event.
func (m *Monitor) patternEventLocked(pattern string, at time.Time, ev trigger.Event) *trigger.Event {
	m.lastFired[pattern] = at
	m.metrics.PatternDetected(pattern)
	m.logger.Info("pattern detected",
		zap.String("pattern", pattern),
		zap.String("topic", ev.Topic),
		zap.Float64("confidence", ev.Confidence))

	ev.Source = protocol.TriggerMonitorDetected
	ev.OccurredAt = at
	return &ev
}

func (m *Monitor) cooldownClearLocked(pattern string, at time.Time) bool {
	last, ok := m.lastFired[pattern]
	return !ok || at.Sub(last) >= m.cfg.Cooldown
}

func (m *Monitor) scanLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.checkStall(now)
		}
	}
}

func (m *Monitor) checkStall(now time.Time) {
	m.mu.Lock()
	elapsed := now.Sub(m.lastActivity)
	if elapsed < m.cfg.StallWindow || !m.cooldownClearLocked(PatternStalledProgress, now) {
		m.mu.Unlock()
		return
	}
	ev := m.patternEventLocked(PatternStalledProgress, now, trigger.Event{
		Topic:       "stalled progress",
		Description: fmt.Sprintf("no agent activity for %s", elapsed.Round(time.Second)),
		Confidence:  capConfidence(float64(elapsed) / float64(m.cfg.StallWindow)),
		Context: map[string]any{
			"pattern":      PatternStalledProgress,
			"idle":         elapsed.String(),
			"stall_window": m.cfg.StallWindow.String(),
		},
	})
	m.mu.Unlock()

	m.triggers.Evaluate(*ev)
}

func pruneEdits(records []editRecord, cutoff time.Time) []editRecord {
	kept := records[:0]
	for _, r := range records {
		if !r.at.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	return kept
}

func capConfidence(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
