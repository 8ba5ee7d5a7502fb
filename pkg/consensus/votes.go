package consensus

import (
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// Tally summarizes the recorded votes on one proposal.
type Tally struct {
	Counts    map[protocol.VoteType]int `json:"counts"`
	Cast      int                       `json:"cast"`
	Approving int                       `json:"approving"`
	Abstains  int                       `json:"abstains"`
}

// VoteResult is the threshold evaluation for one proposal.
type VoteResult struct {
	ProposalID  string `json:"proposal_id"`
	QuorumMet   bool   `json:"quorum_met"`
	ApprovalMet bool   `json:"approval_met"`
	Vetoed      bool   `json:"vetoed"`
	Tally       Tally  `json:"tally"`
}

// VoteCollector tallies votes for one session against its rules.
//
// Votes are last-write-wins per (proposal, participant). The collector holds
// no lock of its own: the owning coordinator serializes all calls under the
// session lock.
type VoteCollector struct {
	rules protocol.ConsensusRules

	// proposal id -> participant id -> latest vote
	votes map[string]map[string]protocol.Vote
}

// NewVoteCollector builds a collector for the given rules.
func NewVoteCollector(rules protocol.ConsensusRules) *VoteCollector {
	return &VoteCollector{
		rules: rules,
		votes: make(map[string]map[string]protocol.Vote),
	}
}

// Record stores a vote, overwriting any earlier vote by the same participant
// on the same proposal.
func (c *VoteCollector) Record(v protocol.Vote) {
	byParticipant, ok := c.votes[v.ProposalID]
	if !ok {
		byParticipant = make(map[string]protocol.Vote)
		c.votes[v.ProposalID] = byParticipant
	}
	byParticipant[v.ParticipantID] = v
}

// Votes returns the live votes recorded for a proposal.
func (c *VoteCollector) Votes(proposalID string) []protocol.Vote {
	byParticipant := c.votes[proposalID]
	out := make([]protocol.Vote, 0, len(byParticipant))
	for _, v := range byParticipant {
		out = append(out, v)
	}
	return out
}

// Result evaluates one proposal against the session thresholds given the
// number of eligible voters. Evaluation is deterministic: identical recorded
// votes yield identical results.
//
// Quorum counts every cast vote, abstentions included. The approval
// denominator excludes abstentions. Under the critical preset any reject is
// an absolute veto, independent of the quorum math.
func (c *VoteCollector) Result(proposalID string, eligibleVoters int) VoteResult {
	tally := Tally{Counts: make(map[protocol.VoteType]int)}
	for _, v := range c.votes[proposalID] {
		tally.Counts[v.Type]++
		tally.Cast++
		if v.Type.Approving() {
			tally.Approving++
		}
		if v.Type == protocol.VoteAbstain {
			tally.Abstains++
		}
	}

	res := VoteResult{ProposalID: proposalID, Tally: tally}

	if c.rules.Critical() && tally.Counts[protocol.VoteReject] > 0 {
		res.Vetoed = true
		return res
	}

	if eligibleVoters > 0 {
		res.QuorumMet = float64(tally.Cast)/float64(eligibleVoters) >= c.rules.QuorumFraction
	}
	if denom := tally.Cast - tally.Abstains; denom > 0 {
		res.ApprovalMet = float64(tally.Approving)/float64(denom) >= c.rules.ApprovalFraction
	}
	return res
}

// Vetoed reports whether any proposal has drawn a reject under the critical
// preset.
func (c *VoteCollector) Vetoed() bool {
	if !c.rules.Critical() {
		return false
	}
	for proposalID := range c.votes {
		if c.Result(proposalID, 0).Vetoed {
			return true
		}
	}
	return false
}

// Winning returns the first proposal, in submission order, meeting both
// thresholds, or nil if none does. Submission order is the deterministic
// tie-break.
func (c *VoteCollector) Winning(proposals []*protocol.Proposal, eligibleVoters int) *protocol.Proposal {
	for _, p := range proposals {
		if p.Status == protocol.ProposalWithdrawn {
			continue
		}
		res := c.Result(p.ID, eligibleVoters)
		if res.QuorumMet && res.ApprovalMet && !res.Vetoed {
			return p
		}
	}
	return nil
}
