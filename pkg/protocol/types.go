// Package protocol defines the shared vocabulary of the consensus engine:
// session lifecycle phases, message envelopes, contribution and vote types,
// trigger contexts, and the error taxonomy. All other packages depend on this
// one; it depends on nothing but the standard library.
package protocol

import (
	"time"
)

// TriggerType identifies the mechanism that proposed opening a session.
type TriggerType string

const (
	TriggerUserRequested   TriggerType = "user_requested"
	TriggerAgentRequested  TriggerType = "agent_requested"
	TriggerMonitorDetected TriggerType = "monitor_detected"
	TriggerCheckpoint      TriggerType = "checkpoint"
	TriggerPhaseTransition TriggerType = "phase_transition"
	TriggerScheduled       TriggerType = "scheduled"
)

// ContributionType classifies a contribution. The engine treats content as
// opaque; the type is a caller-supplied tag, never inferred.
type ContributionType string

const (
	ContributionOpinion     ContributionType = "opinion"
	ContributionQuestion    ContributionType = "question"
	ContributionProposalRef ContributionType = "proposal_ref"
	ContributionSynthesis   ContributionType = "synthesis"
	ContributionSkip        ContributionType = "skip"
)

// VoteType is one of the five ballot options.
type VoteType string

const (
	VoteApprove             VoteType = "approve"
	VoteApproveWithConcerns VoteType = "approve_with_concerns"
	VoteAbstain             VoteType = "abstain"
	VoteRequestChanges      VoteType = "request_changes"
	VoteReject              VoteType = "reject"
)

// Approving reports whether the vote counts toward the approval fraction.
func (v VoteType) Approving() bool {
	return v == VoteApprove || v == VoteApproveWithConcerns
}

// ProposalStatus tracks a proposal through the slate lifecycle.
type ProposalStatus string

const (
	ProposalOpen      ProposalStatus = "open"
	ProposalWithdrawn ProposalStatus = "withdrawn"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
)

// Participant is one agent's membership record in a session. Entries are
// never deleted; dropouts are marked inactive so audit history survives.
type Participant struct {
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	HasToken    bool      `json:"has_token"`
	LastSeen    time.Time `json:"last_seen"`
	MissedTurns int       `json:"missed_turns"`
	Active      bool      `json:"active"`
}

// Contribution is one recorded statement in a discussion round. Immutable
// once recorded.
type Contribution struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	ParticipantID string           `json:"participant_id"`
	Round         int              `json:"round"`
	Type          ContributionType `json:"type"`
	Content       string           `json:"content"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Proposal is a contribution promoted to a votable item.
type Proposal struct {
	ID        string         `json:"id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Status    ProposalStatus `json:"status"`
}

// Vote is one participant's ballot on one proposal. At most one live vote
// exists per (proposal, participant); later votes overwrite earlier ones
// while voting is open.
type Vote struct {
	SessionID     string    `json:"session_id"`
	ProposalID    string    `json:"proposal_id"`
	ParticipantID string    `json:"participant_id"`
	Type          VoteType  `json:"vote_type"`
	CastAt        time.Time `json:"cast_at"`
}

// Session is one complete consensus deliberation from open to terminal
// outcome. The Coordinator exclusively owns and writes Session objects.
type Session struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Description   string         `json:"description"`
	TriggerType   TriggerType    `json:"trigger_type"`
	Phase         Phase          `json:"phase"`
	Participants  []*Participant `json:"participants"`
	Contributions []Contribution `json:"contributions"`
	Proposals     []*Proposal    `json:"proposals"`
	Round         int            `json:"round"`
	Rules         ConsensusRules `json:"rules"`
	CreatedAt     time.Time      `json:"created_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	AbortReason   string         `json:"abort_reason,omitempty"`
}

// Participant returns the membership record for the given agent, or nil.
func (s *Session) Participant(agentID string) *Participant {
	for _, p := range s.Participants {
		if p.AgentID == agentID {
			return p
		}
	}
	return nil
}

// ActiveParticipants returns the participants still eligible for turns.
func (s *Session) ActiveParticipants() []*Participant {
	out := make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// TriggerContext is the uniform request to open a session, produced by the
// Trigger Manager or the Monitor.
type TriggerContext struct {
	TriggerType           TriggerType    `json:"trigger_type"`
	Topic                 string         `json:"topic"`
	Description           string         `json:"description"`
	SuggestedParticipants []string       `json:"suggested_participants,omitempty"`
	Confidence            float64        `json:"confidence"`
	RawContext            map[string]any `json:"raw_context,omitempty"`
}
