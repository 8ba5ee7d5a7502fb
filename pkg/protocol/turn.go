package protocol

import "time"

// TurnRequest is the TOKEN_GRANT payload handed to the turn-holder: the
// context it needs to produce exactly one contribution this turn.
type TurnRequest struct {
	SessionID string             `json:"session_id"`
	Topic     string             `json:"topic"`
	Round     int                `json:"round"`
	HolderID  string             `json:"holder_id"`
	Summary   string             `json:"summary"`
	Options   []ContributionType `json:"options"`
	Deadline  time.Time          `json:"deadline"`
}

// VoteRequest is the VOTE_START payload: the frozen proposal slate and the
// rules the ballots will be judged against.
type VoteRequest struct {
	SessionID string         `json:"session_id"`
	Topic     string         `json:"topic"`
	Proposals []Proposal     `json:"proposals"`
	Rules     ConsensusRules `json:"rules"`
	Deadline  time.Time      `json:"deadline"`
}

// Insight is the CONSENSUS_REACHED payload published when a session commits:
// the decision and how it was reached, for downstream consumers.
type Insight struct {
	SessionID  string    `json:"session_id"`
	Topic      string    `json:"topic"`
	ProposalID string    `json:"proposal_id"`
	Decision   string    `json:"decision"`
	Rounds     int       `json:"rounds"`
	VotesCast  int       `json:"votes_cast"`
	Approving  int       `json:"approving"`
	DecidedAt  time.Time `json:"decided_at"`
}
