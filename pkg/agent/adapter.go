package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/pkg/bus"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// Engine is the coordinator surface the adapter drives. The concrete
// implementation lives in pkg/consensus.
type Engine interface {
	JoinSession(ctx context.Context, sessionID, agentID, displayName string) (bool, error)
	ReceiveContribution(ctx context.Context, sessionID, participantID, content string, typ protocol.ContributionType) (*protocol.Contribution, error)
	ReceiveVote(ctx context.Context, sessionID, participantID, proposalID string, voteType protocol.VoteType) (bool, error)
}

// Reply is an agent's answer to a turn. A zero Reply means the agent has
// nothing to add this round.
type Reply struct {
	Type    protocol.ContributionType
	Content string
}

// Responder produces a reply to a turn request. The context carries the
// turn deadline; if the responder errs or overruns it, the turn is skipped
// rather than held open.
type Responder func(ctx context.Context, req protocol.TurnRequest) (Reply, error)

// Ballot is one cast vote on one proposal.
type Ballot struct {
	ProposalID string
	Vote       protocol.VoteType
}

// Voter fills out ballots for a vote request. Proposals left off the
// returned slice are abstentions by omission until the voting deadline.
type Voter func(ctx context.Context, req protocol.VoteRequest) ([]Ballot, error)

// Adapter connects one agent to sessions over the bus: it joins on behalf of
// the agent, answers TOKEN_GRANT envelopes addressed to it through the
// Responder, and answers VOTE_START through the Voter. Terminal envelopes
// tear the session subscription down.
type Adapter struct {
	engine  Engine
	bus     bus.Bus
	logger  *zap.Logger
	agentID string
	name    string
	respond Responder
	vote    Voter

	// replyTimeout bounds a turn or ballot when the request carries no
	// deadline of its own.
	replyTimeout time.Duration

	mu   sync.Mutex
	subs map[string]bus.Subscription
	wg   sync.WaitGroup
}

// NewAdapter wires an agent identity to the engine and bus. The responder is
// required; a nil voter abstains from every ballot.
func NewAdapter(engine Engine, b bus.Bus, agentID, displayName string, respond Responder, vote Voter, logger *zap.Logger) (*Adapter, error) {
	if engine == nil {
		return nil, fmt.Errorf("adapter requires an engine")
	}
	if b == nil {
		return nil, fmt.Errorf("adapter requires a bus")
	}
	if agentID == "" {
		return nil, fmt.Errorf("adapter requires an agent id")
	}
	if respond == nil {
		return nil, fmt.Errorf("adapter requires a responder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		engine:       engine,
		bus:          b,
		logger:       logger.With(zap.String("agent_id", agentID)),
		agentID:      agentID,
		name:         displayName,
		respond:      respond,
		vote:         vote,
		replyTimeout: 60 * time.Second,
		subs:         make(map[string]bus.Subscription),
	}, nil
}

// Join enrolls the agent in a session and begins handling its traffic.
// Joining a session twice is a no-op.
func (a *Adapter) Join(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	if _, ok := a.subs[sessionID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if _, err := a.engine.JoinSession(ctx, sessionID, a.agentID, a.name); err != nil {
		return fmt.Errorf("join session %s: %w", sessionID, err)
	}

	sub, err := a.bus.Subscribe(bus.SessionSubject(sessionID), func(env protocol.Envelope) {
		a.handle(sessionID, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe to session %s: %w", sessionID, err)
	}

	a.mu.Lock()
	a.subs[sessionID] = sub
	a.mu.Unlock()

	a.logger.Info("joined session", zap.String("session_id", sessionID))
	return nil
}

// Leave drops the session subscription. The engine keeps the participant
// enrolled; an absent participant simply misses its turns.
func (a *Adapter) Leave(sessionID string) {
	a.mu.Lock()
	sub, ok := a.subs[sessionID]
	delete(a.subs, sessionID)
	a.mu.Unlock()

	if ok {
		_ = sub.Unsubscribe()
		a.logger.Info("left session", zap.String("session_id", sessionID))
	}
}

// Close leaves every session and waits for in-flight turns to finish.
func (a *Adapter) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = make(map[string]bus.Subscription)
	a.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	a.wg.Wait()
}

// Sessions lists the sessions the adapter is currently subscribed to.
func (a *Adapter) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	return ids
}

func (a *Adapter) handle(sessionID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgTokenGrant:
		if env.To != a.agentID {
			return
		}
		var req protocol.TurnRequest
		if err := env.DecodePayload(&req); err != nil {
			a.logger.Warn("malformed turn request", zap.Error(err))
			return
		}
		a.wg.Add(1)
		go a.takeTurn(req)

	case protocol.MsgVoteStart:
		var req protocol.VoteRequest
		if err := env.DecodePayload(&req); err != nil {
			a.logger.Warn("malformed vote request", zap.Error(err))
			return
		}
		a.wg.Add(1)
		go a.castBallots(req)

	case protocol.MsgConsensusReached, protocol.MsgSessionAborted:
		a.Leave(sessionID)
	}
}

func (a *Adapter) takeTurn(req protocol.TurnRequest) {
	defer a.wg.Done()

	ctx, cancel := a.deadlineContext(req.Deadline)
	defer cancel()

	reply, err := a.respond(ctx, req)
	if err != nil {
		a.logger.Warn("responder failed, skipping turn",
			zap.String("session_id", req.SessionID),
			zap.Int("round", req.Round),
			zap.Error(err))
		reply = Reply{}
	}
	if reply.Type == "" {
		reply.Type = protocol.ContributionSkip
	}

	if _, err := a.engine.ReceiveContribution(ctx, req.SessionID, a.agentID, reply.Content, reply.Type); err != nil {
		// A lost race with the turn timer shows up here as an off-turn
		// rejection; the session has already moved on.
		a.logger.Debug("contribution not accepted",
			zap.String("session_id", req.SessionID),
			zap.String("type", string(reply.Type)),
			zap.Error(err))
	}
}

func (a *Adapter) castBallots(req protocol.VoteRequest) {
	defer a.wg.Done()

	ctx, cancel := a.deadlineContext(req.Deadline)
	defer cancel()

	if a.vote == nil {
		return
	}
	ballots, err := a.vote(ctx, req)
	if err != nil {
		a.logger.Warn("voter failed, abstaining",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return
	}

	for _, b := range ballots {
		decided, err := a.engine.ReceiveVote(ctx, req.SessionID, a.agentID, b.ProposalID, b.Vote)
		if err != nil {
			a.logger.Debug("vote not accepted",
				zap.String("session_id", req.SessionID),
				zap.String("proposal_id", b.ProposalID),
				zap.Error(err))
			continue
		}
		if decided {
			return
		}
	}
}

func (a *Adapter) deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithTimeout(context.Background(), a.replyTimeout)
	}
	return context.WithDeadline(context.Background(), deadline)
}
