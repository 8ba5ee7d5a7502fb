// Package consensus implements the consensus coordinator: session lifecycle,
// the phase state machine, token-ring turn taking, and quorum-based vote
// tallying. One coordinator manages many concurrent sessions; each session's
// mutations are serialized under its own lock, so the coordinator is
// single-writer per session.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/internal/metrics"
	"github.com/fyrsmithlabs/concordd/pkg/agent"
	"github.com/fyrsmithlabs/concordd/pkg/bus"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// Config holds coordinator-level timeouts and limits. Per-turn timeouts and
// round limits come from each session's ConsensusRules.
type Config struct {
	MinParticipants  int
	JoinTimeout      time.Duration
	ProposingTimeout time.Duration
	VotingTimeout    time.Duration
	PublishTimeout   time.Duration
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		MinParticipants:  2,
		JoinTimeout:      30 * time.Second,
		ProposingTimeout: 60 * time.Second,
		VotingTimeout:    120 * time.Second,
		PublishTimeout:   5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinParticipants < 1 {
		return fmt.Errorf("min_participants must be at least 1, got %d", c.MinParticipants)
	}
	if c.JoinTimeout <= 0 || c.ProposingTimeout <= 0 || c.VotingTimeout <= 0 {
		return fmt.Errorf("phase timeouts must be positive")
	}
	return nil
}

// Coordinator orchestrates consensus sessions. It exclusively owns Session
// objects; everything returned to callers is a snapshot.
type Coordinator struct {
	cfg     Config
	bus     bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewCoordinator creates a coordinator publishing on the given bus. The
// metrics parameter may be nil.
func NewCoordinator(cfg Config, b bus.Bus, logger *zap.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*session),
	}, nil
}

// CreateSession opens a session in GATHERING and arms the join timer.
// Invited agents may join after GATHERING ends; anyone else may join only
// while gathering.
func (c *Coordinator) CreateSession(ctx context.Context, topic, description string, triggerType protocol.TriggerType, invited []string, rules protocol.ConsensusRules) (*protocol.Session, error) {
	if topic == "" {
		return nil, protocol.NewValidationError("", "createSession", "topic is required")
	}
	if rules.Preset == "" {
		var err error
		rules, err = protocol.RulesForPreset(protocol.PresetDefault)
		if err != nil {
			return nil, err
		}
	}
	if err := rules.Validate(); err != nil {
		return nil, protocol.NewValidationError("", "createSession", err.Error())
	}

	s := &protocol.Session{
		ID:          uuid.New().String(),
		Topic:       topic,
		Description: description,
		TriggerType: triggerType,
		Phase:       protocol.PhaseGathering,
		Rules:       rules,
		CreatedAt:   time.Now().UTC(),
		Outcome:     protocol.OutcomePending,
	}
	sess := newSession(s, invited)

	c.mu.Lock()
	c.sessions[s.ID] = sess
	c.mu.Unlock()

	c.metrics.SessionOpened()
	c.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("topic", topic),
		zap.String("trigger", string(triggerType)),
		zap.String("preset", rules.Preset))

	sess.mu.Lock()
	defer sess.mu.Unlock()

	start := struct {
		Topic       string   `json:"topic"`
		Description string   `json:"description"`
		Invited     []string `json:"invited,omitempty"`
		Preset      string   `json:"preset"`
	}{topic, description, invited, rules.Preset}
	c.publishLocked(sess, protocol.MsgSessionStart, "", start)
	c.publishEvent(sess.s.ID, protocol.MsgSessionStart, start)

	// A transport failure on the start publish aborts immediately.
	if sess.s.Phase.Terminal() {
		return sess.snapshotLocked(), nil
	}

	c.armTimerLocked(sess, c.cfg.JoinTimeout, c.onJoinTimeout)

	return sess.snapshotLocked(), nil
}

// JoinSession adds a participant. Joining is idempotent for an agent already
// in the session. Outside GATHERING only pre-invited agents may join; the
// returned bool reports such a late join, which enters the ring effective
// next round.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID, agentID, displayName string) (bool, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.s.Phase.Terminal() {
		return false, protocol.NewValidationError(sessionID, "joinSession", "session already terminal")
	}
	if agentID == "" {
		return false, protocol.NewValidationError(sessionID, "joinSession", "agent_id is required")
	}

	late := sess.s.Phase != protocol.PhaseGathering

	if existing := sess.s.Participant(agentID); existing != nil {
		existing.LastSeen = time.Now().UTC()
		return late, nil
	}

	if sess.s.Phase != protocol.PhaseGathering && !sess.invited[agentID] {
		return false, protocol.NewValidationError(sessionID, "joinSession",
			fmt.Sprintf("phase is %s and agent %s was not invited", sess.s.Phase, agentID))
	}

	now := time.Now().UTC()
	p := &protocol.Participant{
		AgentID:     agentID,
		DisplayName: displayName,
		JoinedAt:    now,
		LastSeen:    now,
		Active:      true,
	}
	sess.s.Participants = append(sess.s.Participants, p)
	if sess.ring != nil {
		sess.ring.Append(p)
	}

	c.logger.Info("participant joined",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.String("phase", string(sess.s.Phase)))

	// All invited agents present ends gathering early.
	if sess.s.Phase == protocol.PhaseGathering && len(sess.invited) > 0 &&
		len(sess.s.Participants) >= c.cfg.MinParticipants && c.allInvitedJoinedLocked(sess) {
		c.advanceToProposingLocked(sess)
	}

	return late, nil
}

func (c *Coordinator) allInvitedJoinedLocked(sess *session) bool {
	for id := range sess.invited {
		if sess.s.Participant(id) == nil {
			return false
		}
	}
	return true
}

// StartDiscussion advances the machine on operator request: out of GATHERING
// once enough participants joined, or out of PROPOSING once a proposal is on
// the table.
func (c *Coordinator) StartDiscussion(ctx context.Context, sessionID string) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.s.Phase {
	case protocol.PhaseGathering:
		if len(sess.s.Participants) < c.cfg.MinParticipants {
			return protocol.NewValidationError(sessionID, "startDiscussion",
				fmt.Sprintf("%d participants joined, %d required", len(sess.s.Participants), c.cfg.MinParticipants))
		}
		c.advanceToProposingLocked(sess)
		return nil
	case protocol.PhaseProposing:
		if len(sess.s.Proposals) == 0 {
			return protocol.NewValidationError(sessionID, "startDiscussion", "no proposals recorded yet")
		}
		c.advanceToDiscussingLocked(sess)
		return nil
	default:
		return protocol.NewValidationError(sessionID, "startDiscussion",
			fmt.Sprintf("invalid in phase %s", sess.s.Phase))
	}
}

// ReceiveContribution records a structured contribution from a participant.
// During DISCUSSING only the token holder may contribute; off-turn questions
// are queued and drained at the next turn boundary. During PROPOSING a
// proposal_ref contribution opens the discussion.
func (c *Coordinator) ReceiveContribution(ctx context.Context, sessionID, participantID, content string, typ protocol.ContributionType) (*protocol.Contribution, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	p := sess.s.Participant(participantID)
	if p == nil {
		return nil, &protocol.ValidationError{
			SessionID: sessionID, Op: "receiveContribution",
			Reason: fmt.Sprintf("unknown participant %s", participantID),
			Err:    protocol.ErrParticipantNotFound,
		}
	}
	if !p.Active {
		return nil, protocol.NewValidationError(sessionID, "receiveContribution",
			fmt.Sprintf("participant %s is inactive", participantID))
	}
	p.LastSeen = time.Now().UTC()

	switch sess.s.Phase {
	case protocol.PhaseProposing:
		switch typ {
		case protocol.ContributionProposalRef:
			contrib := c.recordContributionLocked(sess, participantID, content, typ)
			c.promoteProposalLocked(sess, participantID, content)
			c.advanceToDiscussingLocked(sess)
			return contrib, nil
		case protocol.ContributionQuestion:
			return c.queueQuestionLocked(sess, participantID, content), nil
		default:
			return nil, protocol.NewValidationError(sessionID, "receiveContribution",
				fmt.Sprintf("%s contributions require the discussion phase", typ))
		}

	case protocol.PhaseDiscussing:
		holder := sess.ring.Holder()
		if holder == nil || holder.AgentID != participantID {
			if typ == protocol.ContributionQuestion {
				return c.queueQuestionLocked(sess, participantID, content), nil
			}
			return nil, protocol.NewValidationError(sessionID, "receiveContribution",
				fmt.Sprintf("participant %s does not hold the token", participantID))
		}

		contrib := c.recordContributionLocked(sess, participantID, content, typ)
		if typ == protocol.ContributionProposalRef {
			c.promoteProposalLocked(sess, participantID, content)
		}
		if typ == protocol.ContributionSkip {
			c.publishLocked(sess, protocol.MsgTokenSkip, participantID, map[string]any{
				"participant_id": participantID,
				"round":          sess.ring.Round(),
				"explicit":       true,
			})
		} else {
			sess.substantive = true
		}
		c.resolveTurnLocked(sess, true)
		return contrib, nil

	default:
		return nil, protocol.NewValidationError(sessionID, "receiveContribution",
			fmt.Sprintf("invalid in phase %s", sess.s.Phase))
	}
}

// ReceiveVote records a ballot during VOTING. Later votes by the same
// participant on the same proposal overwrite earlier ones. The phase
// advances as soon as some proposal meets both thresholds, or aborts
// immediately on a critical-preset reject. The returned bool reports
// whether this ballot ended the session.
func (c *Coordinator) ReceiveVote(ctx context.Context, sessionID, participantID, proposalID string, voteType protocol.VoteType) (bool, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.s.Phase != protocol.PhaseVoting {
		return false, protocol.NewValidationError(sessionID, "receiveVote",
			fmt.Sprintf("invalid in phase %s", sess.s.Phase))
	}
	p := sess.s.Participant(participantID)
	if p == nil {
		return false, &protocol.ValidationError{
			SessionID: sessionID, Op: "receiveVote",
			Reason: fmt.Sprintf("unknown participant %s", participantID),
			Err:    protocol.ErrParticipantNotFound,
		}
	}
	if !p.Active {
		return false, protocol.NewValidationError(sessionID, "receiveVote",
			fmt.Sprintf("participant %s is inactive", participantID))
	}
	proposal := c.findProposalLocked(sess, proposalID)
	if proposal == nil || proposal.Status == protocol.ProposalWithdrawn {
		return false, protocol.NewValidationError(sessionID, "receiveVote",
			fmt.Sprintf("proposal %s is not on the ballot", proposalID))
	}

	vote := protocol.Vote{
		SessionID:     sessionID,
		ProposalID:    proposalID,
		ParticipantID: participantID,
		Type:          voteType,
		CastAt:        time.Now().UTC(),
	}
	sess.votes.Record(vote)
	p.LastSeen = vote.CastAt
	c.metrics.VoteRecorded()
	c.publishLocked(sess, protocol.MsgVote, participantID, vote)

	if sess.s.Rules.Critical() && voteType == protocol.VoteReject {
		proposal.Status = protocol.ProposalRejected
		c.publishLocked(sess, protocol.MsgVoteResult, "", sess.votes.Result(proposalID, len(sess.s.ActiveParticipants())))
		c.abortLocked(sess, fmt.Sprintf("proposal %s rejected: absolute veto under critical preset", proposalID))
		return true, nil
	}

	if winner := sess.votes.Winning(sess.s.Proposals, len(sess.s.ActiveParticipants())); winner != nil {
		c.commitLocked(sess, winner)
		return true, nil
	}
	return false, nil
}

// Cancel aborts a session from any non-terminal phase.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, reason string) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.s.Phase.Terminal() {
		return protocol.NewValidationError(sessionID, "cancel", "session already terminal")
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	c.abortLocked(sess, reason)
	return nil
}

// GetSession returns a snapshot of the session.
func (c *Coordinator) GetSession(sessionID string) (*protocol.Session, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshotLocked(), nil
}

// ActiveSessions returns snapshots of all non-terminal sessions.
func (c *Coordinator) ActiveSessions() []*protocol.Session {
	c.mu.RLock()
	all := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		all = append(all, sess)
	}
	c.mu.RUnlock()

	out := make([]*protocol.Session, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		if !sess.s.Phase.Terminal() {
			out = append(out, sess.snapshotLocked())
		}
		sess.mu.Unlock()
	}
	return out
}

// Status returns the operator-facing status payload for one session.
func (c *Coordinator) Status(sessionID string) (*SessionStatus, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.statusLocked(), nil
}

// AwaitPhase blocks until the session reaches the given phase, any terminal
// phase, or the context is done. Callers joining during GATHERING use this
// to suspend until the discussion opens.
func (c *Coordinator) AwaitPhase(ctx context.Context, sessionID string, phase protocol.Phase) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	for {
		sess.mu.Lock()
		current := sess.s.Phase
		ch := sess.phaseChanged
		sess.mu.Unlock()

		if current == phase || current.Terminal() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// --- phase machine internals (session lock held) ---

func (c *Coordinator) lookup(sessionID string) (*session, error) {
	c.mu.RLock()
	sess, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, &protocol.ValidationError{
			SessionID: sessionID, Op: "lookup",
			Reason: fmt.Sprintf("unknown session %s", sessionID),
			Err:    protocol.ErrSessionNotFound,
		}
	}
	return sess, nil
}

func (c *Coordinator) transitionLocked(sess *session, to protocol.Phase) bool {
	if !protocol.CanTransition(sess.s.Phase, to) {
		c.logger.Warn("illegal phase transition suppressed",
			zap.String("session_id", sess.s.ID),
			zap.String("from", string(sess.s.Phase)),
			zap.String("to", string(to)))
		return false
	}
	c.logger.Info("phase transition",
		zap.String("session_id", sess.s.ID),
		zap.String("from", string(sess.s.Phase)),
		zap.String("to", string(to)))
	sess.s.Phase = to
	sess.epoch++
	sess.stopTimerLocked()
	sess.notifyPhaseLocked()
	return true
}

func (c *Coordinator) advanceToProposingLocked(sess *session) {
	if !c.transitionLocked(sess, protocol.PhaseProposing) {
		return
	}
	c.armTimerLocked(sess, c.cfg.ProposingTimeout, c.onProposingTimeout)
}

func (c *Coordinator) advanceToDiscussingLocked(sess *session) {
	if !c.transitionLocked(sess, protocol.PhaseDiscussing) {
		return
	}
	sess.ring = NewTokenRing(sess.s.Participants)
	sess.s.Round = sess.ring.Round()
	sess.substantive = false
	c.grantTurnLocked(sess)
}

func (c *Coordinator) advanceToConvergingLocked(sess *session) {
	if !c.transitionLocked(sess, protocol.PhaseConverging) {
		return
	}

	// Freeze the slate: withdraw later duplicates of identical content.
	seen := make(map[string]bool, len(sess.s.Proposals))
	open := 0
	for _, p := range sess.s.Proposals {
		if p.Status != protocol.ProposalOpen {
			continue
		}
		if seen[p.Content] {
			p.Status = protocol.ProposalWithdrawn
			continue
		}
		seen[p.Content] = true
		open++
	}

	if open == 0 {
		c.abortLocked(sess, "no open proposals to vote on")
		return
	}
	c.advanceToVotingLocked(sess)
}

func (c *Coordinator) advanceToVotingLocked(sess *session) {
	if !c.transitionLocked(sess, protocol.PhaseVoting) {
		return
	}
	sess.votes = NewVoteCollector(sess.s.Rules)

	ballot := make([]protocol.Proposal, 0, len(sess.s.Proposals))
	for _, p := range sess.s.Proposals {
		if p.Status == protocol.ProposalOpen {
			ballot = append(ballot, *p)
		}
	}
	c.publishLocked(sess, protocol.MsgVoteStart, "", protocol.VoteRequest{
		SessionID: sess.s.ID,
		Topic:     sess.s.Topic,
		Proposals: ballot,
		Rules:     sess.s.Rules,
		Deadline:  time.Now().UTC().Add(c.cfg.VotingTimeout),
	})
	c.armTimerLocked(sess, c.cfg.VotingTimeout, c.onVotingTimeout)
}

func (c *Coordinator) commitLocked(sess *session, winner *protocol.Proposal) {
	result := sess.votes.Result(winner.ID, len(sess.s.ActiveParticipants()))
	if !c.transitionLocked(sess, protocol.PhaseCommitted) {
		return
	}

	winner.Status = protocol.ProposalAccepted
	for _, p := range sess.s.Proposals {
		if p.Status == protocol.ProposalOpen {
			p.Status = protocol.ProposalRejected
		}
	}
	now := time.Now().UTC()
	sess.s.EndedAt = &now
	sess.s.Outcome = protocol.OutcomeCommitted

	c.publishLocked(sess, protocol.MsgVoteResult, "", result)
	insight := protocol.Insight{
		SessionID:  sess.s.ID,
		Topic:      sess.s.Topic,
		ProposalID: winner.ID,
		Decision:   winner.Content,
		Rounds:     sess.s.Round,
		VotesCast:  result.Tally.Cast,
		Approving:  result.Tally.Approving,
		DecidedAt:  now,
	}
	c.publishLocked(sess, protocol.MsgConsensusReached, "", insight)
	c.publishEvent(sess.s.ID, protocol.MsgConsensusReached, insight)

	c.metrics.SessionClosed(string(protocol.OutcomeCommitted))
	c.logger.Info("consensus reached",
		zap.String("session_id", sess.s.ID),
		zap.String("proposal_id", winner.ID),
		zap.Int("votes_cast", result.Tally.Cast),
		zap.Int("approving", result.Tally.Approving))
}

func (c *Coordinator) abortLocked(sess *session, reason string) {
	if !c.transitionLocked(sess, protocol.PhaseAborted) {
		return
	}
	if sess.ring != nil {
		sess.ring.Release()
	}
	now := time.Now().UTC()
	sess.s.EndedAt = &now
	sess.s.Outcome = protocol.OutcomeAborted
	sess.s.AbortReason = reason

	payload := map[string]string{"reason": reason}
	c.publishLocked(sess, protocol.MsgSessionAborted, "", payload)
	c.publishEvent(sess.s.ID, protocol.MsgSessionAborted, payload)

	c.metrics.SessionClosed(string(protocol.OutcomeAborted))
	c.logger.Info("session aborted",
		zap.String("session_id", sess.s.ID),
		zap.String("reason", reason))
}

// --- turn taking ---

func (c *Coordinator) grantTurnLocked(sess *session) {
	holder := sess.ring.Grant()
	if holder == nil {
		if c.openProposalsLocked(sess) > 0 {
			c.advanceToConvergingLocked(sess)
		} else {
			c.abortLocked(sess, "no active participants remain")
		}
		return
	}

	// Grant can wrap past the round limit while skipping inactive entries.
	if sess.ring.Round() > sess.s.Rules.MaxRounds {
		sess.ring.Release()
		c.advanceToConvergingLocked(sess)
		return
	}

	sess.epoch++
	sess.s.Round = sess.ring.Round()
	deadline := time.Now().UTC().Add(sess.s.Rules.PerTurnTimeout)

	c.publishLockedTo(sess, protocol.MsgTokenGrant, "", holder.AgentID, protocol.TurnRequest{
		SessionID: sess.s.ID,
		Topic:     sess.s.Topic,
		Round:     sess.ring.Round(),
		HolderID:  holder.AgentID,
		Summary:   agent.Summarize(sess.s.Topic, sess.s.Contributions, sess.s.Proposals),
		Options:   agent.TurnOptions(),
		Deadline:  deadline,
	})
	c.armTimerLocked(sess, sess.s.Rules.PerTurnTimeout, c.onTurnTimeout)
}

// resolveTurnLocked releases the token after a contribution, explicit skip,
// or timeout, drains queued questions, and either grants the next turn or
// ends the discussion when the traversal limit is hit or a full round passed
// without substantive contribution.
func (c *Coordinator) resolveTurnLocked(sess *session, responded bool) {
	holder := sess.ring.Holder()
	wrapped := sess.ring.Resolve(responded)
	if holder != nil {
		c.publishLocked(sess, protocol.MsgTokenRelease, holder.AgentID, map[string]any{
			"participant_id": holder.AgentID,
			"responded":      responded,
		})
	}

	c.drainQuestionsLocked(sess)

	if wrapped {
		sess.s.Round = sess.ring.Round()
		completed := sess.ring.Round() - 1
		if completed >= sess.s.Rules.MaxRounds || !sess.substantive {
			c.advanceToConvergingLocked(sess)
			return
		}
		sess.substantive = false
	}

	c.grantTurnLocked(sess)
}

func (c *Coordinator) drainQuestionsLocked(sess *session) {
	for _, q := range sess.questions {
		contrib := q.contribution
		contrib.Round = sess.ring.Round()
		sess.s.Contributions = append(sess.s.Contributions, contrib)
		c.metrics.ContributionRecorded()
		c.publishLocked(sess, protocol.MsgContribution, contrib.ParticipantID, contrib)
	}
	sess.questions = sess.questions[:0]
}

func (c *Coordinator) queueQuestionLocked(sess *session, participantID, content string) *protocol.Contribution {
	contrib := protocol.Contribution{
		ID:            uuid.New().String(),
		SessionID:     sess.s.ID,
		ParticipantID: participantID,
		Round:         sess.s.Round,
		Type:          protocol.ContributionQuestion,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	}
	sess.questions = append(sess.questions, queuedQuestion{contribution: contrib})
	return &contrib
}

func (c *Coordinator) recordContributionLocked(sess *session, participantID, content string, typ protocol.ContributionType) *protocol.Contribution {
	round := sess.s.Round
	if sess.ring != nil {
		round = sess.ring.Round()
	}
	contrib := protocol.Contribution{
		ID:            uuid.New().String(),
		SessionID:     sess.s.ID,
		ParticipantID: participantID,
		Round:         round,
		Type:          typ,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	}
	sess.s.Contributions = append(sess.s.Contributions, contrib)
	c.metrics.ContributionRecorded()
	if typ != protocol.ContributionSkip {
		c.publishLocked(sess, protocol.MsgContribution, participantID, contrib)
	}
	return &contrib
}

func (c *Coordinator) promoteProposalLocked(sess *session, authorID, content string) *protocol.Proposal {
	p := &protocol.Proposal{
		ID:        uuid.New().String(),
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Status:    protocol.ProposalOpen,
	}
	sess.s.Proposals = append(sess.s.Proposals, p)
	c.publishLocked(sess, protocol.MsgProposal, authorID, p)
	return p
}

func (c *Coordinator) findProposalLocked(sess *session, proposalID string) *protocol.Proposal {
	for _, p := range sess.s.Proposals {
		if p.ID == proposalID {
			return p
		}
	}
	return nil
}

func (c *Coordinator) openProposalsLocked(sess *session) int {
	n := 0
	for _, p := range sess.s.Proposals {
		if p.Status == protocol.ProposalOpen {
			n++
		}
	}
	return n
}

// --- timers ---

// armTimerLocked arms the session timer with an epoch guard: the callback
// runs only if the session is still in the epoch it was armed in, so a timer
// racing an event cannot double-advance the phase.
func (c *Coordinator) armTimerLocked(sess *session, d time.Duration, fn func(*session)) {
	sess.stopTimerLocked()
	epoch := sess.epoch
	sess.timer = time.AfterFunc(d, func() {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.epoch != epoch || sess.s.Phase.Terminal() {
			return
		}
		fn(sess)
	})
}

func (c *Coordinator) onJoinTimeout(sess *session) {
	if sess.s.Phase != protocol.PhaseGathering {
		return
	}
	if len(sess.s.Participants) >= c.cfg.MinParticipants {
		c.advanceToProposingLocked(sess)
		return
	}
	c.abortLocked(sess, fmt.Sprintf("join timeout: %d participants joined, %d required",
		len(sess.s.Participants), c.cfg.MinParticipants))
}

func (c *Coordinator) onProposingTimeout(sess *session) {
	if sess.s.Phase != protocol.PhaseProposing {
		return
	}
	if len(sess.s.Proposals) > 0 {
		c.advanceToDiscussingLocked(sess)
		return
	}
	c.abortLocked(sess, "proposing timeout with no proposals")
}

func (c *Coordinator) onTurnTimeout(sess *session) {
	if sess.s.Phase != protocol.PhaseDiscussing {
		return
	}
	holder := sess.ring.Holder()
	if holder == nil {
		return
	}
	c.metrics.TurnTimedOut()
	c.publishLocked(sess, protocol.MsgTokenSkip, "", map[string]any{
		"participant_id": holder.AgentID,
		"round":          sess.ring.Round(),
		"explicit":       false,
		"missed_turns":   holder.MissedTurns + 1,
	})
	c.logger.Debug("turn timed out",
		zap.String("session_id", sess.s.ID),
		zap.String("participant_id", holder.AgentID),
		zap.Int("round", sess.ring.Round()))
	c.resolveTurnLocked(sess, false)
}

func (c *Coordinator) onVotingTimeout(sess *session) {
	if sess.s.Phase != protocol.PhaseVoting {
		return
	}
	eligible := len(sess.s.ActiveParticipants())
	if winner := sess.votes.Winning(sess.s.Proposals, eligible); winner != nil {
		c.commitLocked(sess, winner)
		return
	}
	cast := 0
	for _, p := range sess.s.Proposals {
		if n := len(sess.votes.Votes(p.ID)); n > cast {
			cast = n
		}
	}
	qerr := &protocol.QuorumError{
		SessionID: sess.s.ID,
		Cast:      cast,
		Needed:    int(float64(eligible)*sess.s.Rules.QuorumFraction + 0.999),
	}
	c.abortLocked(sess, qerr.Error())
}

// --- publishing ---

// publishLocked publishes on the session subject. A transport failure after
// retries force-aborts the session; failures during the abort itself are
// logged and dropped.
func (c *Coordinator) publishLocked(sess *session, msgType protocol.MessageType, from string, payload any) {
	c.publishLockedTo(sess, msgType, from, "", payload)
}

func (c *Coordinator) publishLockedTo(sess *session, msgType protocol.MessageType, from, to string, payload any) {
	if from == "" {
		from = "coordinator"
	}
	env, err := protocol.NewEnvelope(msgType, sess.s.ID, from, payload)
	if err != nil {
		c.logger.Error("envelope build failed", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	env.To = to

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, bus.SessionSubject(sess.s.ID), env); err != nil {
		if msgType == protocol.MsgSessionAborted {
			c.logger.Error("abort notification lost", zap.String("session_id", sess.s.ID), zap.Error(err))
			return
		}
		c.logger.Error("session publish failed, aborting session",
			zap.String("session_id", sess.s.ID),
			zap.String("type", string(msgType)),
			zap.Error(err))
		c.abortLocked(sess, fmt.Sprintf("transport failure: %v", err))
	}
}

// publishEvent mirrors session milestones onto the engine-wide activity
// subject for the monitor and other observers. Best effort.
func (c *Coordinator) publishEvent(sessionID string, msgType protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(msgType, sessionID, "coordinator", payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, bus.EventsSubject(), env); err != nil {
		c.logger.Warn("event publish failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
