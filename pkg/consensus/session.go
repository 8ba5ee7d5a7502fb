package consensus

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// queuedQuestion is an off-turn question held until the next turn boundary.
// Questions are timestamped at arrival but enter the contribution log when
// drained, so token exclusivity is never violated.
type queuedQuestion struct {
	contribution protocol.Contribution
}

// session wraps one protocol.Session with the coordinator's runtime state:
// the token ring, the vote collector, the phase timer, and the epoch guard
// that makes phase-advance idempotent under racing timers and events.
type session struct {
	mu sync.Mutex

	s     *protocol.Session
	ring  *TokenRing
	votes *VoteCollector

	// invited holds pre-invited agent ids allowed to join after GATHERING.
	invited map[string]bool

	// epoch increments on every phase transition and every token grant.
	// Timer callbacks capture the epoch at arm time and no-op when stale,
	// so a timer firing concurrently with an event cannot double-advance.
	epoch int

	timer *time.Timer

	// substantive records whether the current round has produced a
	// non-skip contribution. A full traversal without one ends discussion.
	substantive bool

	// questions queued by non-holders, drained at turn boundaries.
	questions []queuedQuestion

	// phaseChanged is closed and replaced on every phase transition so
	// AwaitPhase callers can block without polling.
	phaseChanged chan struct{}
}

func newSession(s *protocol.Session, invited []string) *session {
	inv := make(map[string]bool, len(invited))
	for _, id := range invited {
		inv[id] = true
	}
	return &session{
		s:            s,
		invited:      inv,
		phaseChanged: make(chan struct{}),
	}
}

// stopTimerLocked stops any armed phase or turn timer.
func (ss *session) stopTimerLocked() {
	if ss.timer != nil {
		ss.timer.Stop()
		ss.timer = nil
	}
}

// notifyPhaseLocked wakes AwaitPhase waiters.
func (ss *session) notifyPhaseLocked() {
	close(ss.phaseChanged)
	ss.phaseChanged = make(chan struct{})
}

// snapshotLocked returns a deep copy of the session for callers outside the
// coordinator. Session objects are exclusively coordinator-owned; nothing
// mutable escapes.
func (ss *session) snapshotLocked() *protocol.Session {
	cp := *ss.s

	cp.Participants = make([]*protocol.Participant, len(ss.s.Participants))
	for i, p := range ss.s.Participants {
		pc := *p
		cp.Participants[i] = &pc
	}

	cp.Contributions = make([]protocol.Contribution, len(ss.s.Contributions))
	copy(cp.Contributions, ss.s.Contributions)

	cp.Proposals = make([]*protocol.Proposal, len(ss.s.Proposals))
	for i, p := range ss.s.Proposals {
		pc := *p
		cp.Proposals[i] = &pc
	}

	if ss.s.EndedAt != nil {
		t := *ss.s.EndedAt
		cp.EndedAt = &t
	}

	return &cp
}

// SessionStatus is the operator-facing status payload for one session.
type SessionStatus struct {
	SessionID    string           `json:"session_id"`
	Topic        string           `json:"topic"`
	Phase        protocol.Phase   `json:"phase"`
	Round        int              `json:"round"`
	Participants int              `json:"participants"`
	Active       int              `json:"active_participants"`
	Proposals    int              `json:"proposals"`
	TokenHolder  string           `json:"token_holder,omitempty"`
	Outcome      protocol.Outcome `json:"outcome"`
	AbortReason  string           `json:"abort_reason,omitempty"`
}

func (ss *session) statusLocked() *SessionStatus {
	st := &SessionStatus{
		SessionID:    ss.s.ID,
		Topic:        ss.s.Topic,
		Phase:        ss.s.Phase,
		Round:        ss.s.Round,
		Participants: len(ss.s.Participants),
		Active:       len(ss.s.ActiveParticipants()),
		Proposals:    len(ss.s.Proposals),
		Outcome:      ss.s.Outcome,
		AbortReason:  ss.s.AbortReason,
	}
	if ss.ring != nil {
		if holder := ss.ring.Holder(); holder != nil {
			st.TokenHolder = holder.AgentID
		}
	}
	return st
}
