package protocol

// Phase represents a stage in a session's deliberation lifecycle.
type Phase string

const (
	// PhaseGathering waits for invited participants to join.
	PhaseGathering Phase = "gathering"

	// PhaseProposing collects initial proposals from participants.
	PhaseProposing Phase = "proposing"

	// PhaseDiscussing runs token-ring discussion rounds.
	PhaseDiscussing Phase = "discussing"

	// PhaseConverging freezes and dedupes the proposal slate.
	PhaseConverging Phase = "converging"

	// PhaseVoting collects votes on the frozen slate.
	PhaseVoting Phase = "voting"

	// PhaseCommitted is the successful terminal phase.
	PhaseCommitted Phase = "committed"

	// PhaseAborted is the failure terminal phase, reachable from any
	// non-terminal phase.
	PhaseAborted Phase = "aborted"
)

// AllPhases returns the non-terminal phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseGathering, PhaseProposing, PhaseDiscussing, PhaseConverging, PhaseVoting}
}

// Terminal reports whether the phase is a terminal state.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

// phaseOrder maps each phase to its position in the forward progression.
var phaseOrder = map[Phase]int{
	PhaseGathering:  0,
	PhaseProposing:  1,
	PhaseDiscussing: 2,
	PhaseConverging: 3,
	PhaseVoting:     4,
	PhaseCommitted:  5,
	PhaseAborted:    5,
}

// CanTransition reports whether moving from one phase to another is legal.
// Transitions are monotonic forward steps; ABORTED is reachable from any
// non-terminal phase.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseAborted {
		return true
	}
	fromIdx, ok := phaseOrder[from]
	if !ok {
		return false
	}
	toIdx, ok := phaseOrder[to]
	if !ok {
		return false
	}
	if to == PhaseCommitted {
		return from == PhaseVoting
	}
	return toIdx == fromIdx+1
}

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCommitted Outcome = "committed"
	OutcomeAborted   Outcome = "aborted"
)
