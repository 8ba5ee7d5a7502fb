package protocol

import (
	"fmt"
	"time"
)

// ConsensusRules parameterize one session's decision thresholds. Rules are
// immutable once a session starts.
type ConsensusRules struct {
	Preset           string        `json:"preset"`
	QuorumFraction   float64       `json:"quorum_fraction"`
	ApprovalFraction float64       `json:"approval_fraction"`
	MaxRounds        int           `json:"max_rounds"`
	PerTurnTimeout   time.Duration `json:"per_turn_timeout"`
}

// Preset names for RulesForPreset.
const (
	PresetDefault  = "default"
	PresetQuick    = "quick"
	PresetStrict   = "strict"
	PresetCritical = "critical"
)

// defaultPerTurnTimeout applies when a preset does not override it.
const defaultPerTurnTimeout = 60 * time.Second

// RulesForPreset returns the rules for a named preset.
//
// Presets:
//
//	default:  67% quorum, 60% approval, 5 rounds
//	quick:    50% quorum, 50% approval, 3 rounds
//	strict:   80% quorum, 75% approval, 7 rounds
//	critical: 100% quorum, 100% approval, 10 rounds; any reject is a veto
func RulesForPreset(name string) (ConsensusRules, error) {
	switch name {
	case PresetDefault, "":
		return ConsensusRules{
			Preset:           PresetDefault,
			QuorumFraction:   0.67,
			ApprovalFraction: 0.60,
			MaxRounds:        5,
			PerTurnTimeout:   defaultPerTurnTimeout,
		}, nil
	case PresetQuick:
		return ConsensusRules{
			Preset:           PresetQuick,
			QuorumFraction:   0.50,
			ApprovalFraction: 0.50,
			MaxRounds:        3,
			PerTurnTimeout:   defaultPerTurnTimeout,
		}, nil
	case PresetStrict:
		return ConsensusRules{
			Preset:           PresetStrict,
			QuorumFraction:   0.80,
			ApprovalFraction: 0.75,
			MaxRounds:        7,
			PerTurnTimeout:   defaultPerTurnTimeout,
		}, nil
	case PresetCritical:
		return ConsensusRules{
			Preset:           PresetCritical,
			QuorumFraction:   1.0,
			ApprovalFraction: 1.0,
			MaxRounds:        10,
			PerTurnTimeout:   defaultPerTurnTimeout,
		}, nil
	default:
		return ConsensusRules{}, fmt.Errorf("unknown rules preset: %q", name)
	}
}

// Critical reports whether the rules carry absolute-veto semantics.
func (r ConsensusRules) Critical() bool {
	return r.Preset == PresetCritical
}

// Validate checks that the rules are internally consistent.
func (r ConsensusRules) Validate() error {
	if r.QuorumFraction <= 0 || r.QuorumFraction > 1 {
		return fmt.Errorf("quorum_fraction must be in (0, 1], got %v", r.QuorumFraction)
	}
	if r.ApprovalFraction <= 0 || r.ApprovalFraction > 1 {
		return fmt.Errorf("approval_fraction must be in (0, 1], got %v", r.ApprovalFraction)
	}
	if r.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be at least 1, got %d", r.MaxRounds)
	}
	if r.PerTurnTimeout <= 0 {
		return fmt.Errorf("per_turn_timeout must be positive, got %v", r.PerTurnTimeout)
	}
	return nil
}
