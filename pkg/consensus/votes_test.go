package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

func mustRules(t *testing.T, preset string) protocol.ConsensusRules {
	t.Helper()
	rules, err := protocol.RulesForPreset(preset)
	require.NoError(t, err)
	return rules
}

func castVote(c *VoteCollector, proposalID, participantID string, vt protocol.VoteType) {
	c.Record(protocol.Vote{
		SessionID:     "s-1",
		ProposalID:    proposalID,
		ParticipantID: participantID,
		Type:          vt,
	})
}

func TestVoteCollector_DefaultPresetCommit(t *testing.T) {
	// Three participants under default rules, votes approve /
	// approve_with_concerns / abstain: quorum 3/3 >= 67%, approval 2/2
	// (abstain excluded) >= 60%.
	c := NewVoteCollector(mustRules(t, protocol.PresetDefault))
	castVote(c, "p-1", "a", protocol.VoteApprove)
	castVote(c, "p-1", "b", protocol.VoteApproveWithConcerns)
	castVote(c, "p-1", "c", protocol.VoteAbstain)

	res := c.Result("p-1", 3)
	assert.True(t, res.QuorumMet)
	assert.True(t, res.ApprovalMet)
	assert.False(t, res.Vetoed)
	assert.Equal(t, 3, res.Tally.Cast)
	assert.Equal(t, 2, res.Tally.Approving)
	assert.Equal(t, 1, res.Tally.Abstains)
}

func TestVoteCollector_CriticalRejectVetoes(t *testing.T) {
	// Under the critical preset a single reject fails the proposal
	// regardless of the quorum math.
	c := NewVoteCollector(mustRules(t, protocol.PresetCritical))
	castVote(c, "p-1", "a", protocol.VoteApprove)
	castVote(c, "p-1", "b", protocol.VoteApprove)
	castVote(c, "p-1", "c", protocol.VoteReject)

	res := c.Result("p-1", 3)
	assert.True(t, res.Vetoed)
	assert.False(t, res.QuorumMet)
	assert.False(t, res.ApprovalMet)
	assert.True(t, c.Vetoed())
}

func TestVoteCollector_RejectIsNotVetoOutsideCritical(t *testing.T) {
	c := NewVoteCollector(mustRules(t, protocol.PresetDefault))
	castVote(c, "p-1", "a", protocol.VoteApprove)
	castVote(c, "p-1", "b", protocol.VoteApprove)
	castVote(c, "p-1", "c", protocol.VoteReject)

	res := c.Result("p-1", 3)
	assert.False(t, res.Vetoed)
	assert.True(t, res.QuorumMet)
	// 2 approving of 3 non-abstain votes: 66.7% >= 60%.
	assert.True(t, res.ApprovalMet)
	assert.False(t, c.Vetoed())
}

func TestVoteCollector_QuickPresetBoundary(t *testing.T) {
	// Two participants under quick rules, one approve and one silent:
	// quorum 1/2 = 50% >= 50%, approval 1/1 = 100% >= 50%.
	c := NewVoteCollector(mustRules(t, protocol.PresetQuick))
	castVote(c, "p-1", "a", protocol.VoteApprove)

	res := c.Result("p-1", 2)
	assert.True(t, res.QuorumMet)
	assert.True(t, res.ApprovalMet)

	// With zero votes cast nothing passes.
	empty := NewVoteCollector(mustRules(t, protocol.PresetQuick))
	res = empty.Result("p-1", 2)
	assert.False(t, res.QuorumMet)
	assert.False(t, res.ApprovalMet)
}

func TestVoteCollector_LastWriteWins(t *testing.T) {
	c := NewVoteCollector(mustRules(t, protocol.PresetQuick))
	castVote(c, "p-1", "a", protocol.VoteReject)
	castVote(c, "p-1", "a", protocol.VoteApprove)

	res := c.Result("p-1", 2)
	assert.Equal(t, 1, res.Tally.Cast)
	assert.Equal(t, 1, res.Tally.Approving)
	assert.Equal(t, 0, res.Tally.Counts[protocol.VoteReject])
}

func TestVoteCollector_ResultIsDeterministic(t *testing.T) {
	build := func() VoteResult {
		c := NewVoteCollector(mustRules(t, protocol.PresetStrict))
		castVote(c, "p-1", "a", protocol.VoteApprove)
		castVote(c, "p-1", "b", protocol.VoteRequestChanges)
		castVote(c, "p-1", "c", protocol.VoteApprove)
		castVote(c, "p-1", "d", protocol.VoteAbstain)
		return c.Result("p-1", 5)
	}
	assert.Equal(t, build(), build())
}

func TestVoteCollector_AllAbstainFailsApproval(t *testing.T) {
	c := NewVoteCollector(mustRules(t, protocol.PresetQuick))
	castVote(c, "p-1", "a", protocol.VoteAbstain)
	castVote(c, "p-1", "b", protocol.VoteAbstain)

	res := c.Result("p-1", 2)
	assert.True(t, res.QuorumMet)
	assert.False(t, res.ApprovalMet)
}

func TestVoteCollector_WinningBySubmissionOrder(t *testing.T) {
	c := NewVoteCollector(mustRules(t, protocol.PresetQuick))
	proposals := []*protocol.Proposal{
		{ID: "p-1", Status: protocol.ProposalOpen},
		{ID: "p-2", Status: protocol.ProposalOpen},
	}

	// Both proposals meet both thresholds; the earlier submission wins.
	castVote(c, "p-1", "a", protocol.VoteApprove)
	castVote(c, "p-2", "a", protocol.VoteApprove)
	castVote(c, "p-1", "b", protocol.VoteApprove)
	castVote(c, "p-2", "b", protocol.VoteApprove)

	winner := c.Winning(proposals, 2)
	require.NotNil(t, winner)
	assert.Equal(t, "p-1", winner.ID)
}

func TestVoteCollector_WinningSkipsWithdrawn(t *testing.T) {
	c := NewVoteCollector(mustRules(t, protocol.PresetQuick))
	proposals := []*protocol.Proposal{
		{ID: "p-1", Status: protocol.ProposalWithdrawn},
		{ID: "p-2", Status: protocol.ProposalOpen},
	}
	castVote(c, "p-1", "a", protocol.VoteApprove)
	castVote(c, "p-2", "a", protocol.VoteApprove)

	winner := c.Winning(proposals, 1)
	require.NotNil(t, winner)
	assert.Equal(t, "p-2", winner.ID)
}

func TestVoteCollector_NoWinner(t *testing.T) {
	c := NewVoteCollector(mustRules(t, protocol.PresetStrict))
	proposals := []*protocol.Proposal{{ID: "p-1", Status: protocol.ProposalOpen}}
	castVote(c, "p-1", "a", protocol.VoteApprove)

	assert.Nil(t, c.Winning(proposals, 5))
}
