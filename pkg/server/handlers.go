package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
	"github.com/fyrsmithlabs/concordd/pkg/trigger"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.cfg.ServiceName,
	})
}

// CreateSessionRequest is the body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Topic       string               `json:"topic"`
	Description string               `json:"description,omitempty"`
	TriggerType protocol.TriggerType `json:"trigger_type,omitempty"`
	Invited     []string             `json:"invited,omitempty"`
	Preset      string               `json:"preset,omitempty"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if req.Topic == "" {
		return fail(c, http.StatusBadRequest, fmt.Errorf("topic is required"))
	}

	rules, err := protocol.RulesForPreset(req.Preset)
	if err != nil {
		return fail(c, http.StatusBadRequest, err)
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = protocol.TriggerUserRequested
	}

	sess, err := s.coordinator.CreateSession(c.Request().Context(), req.Topic, req.Description, triggerType, req.Invited, rules)
	if err != nil {
		return failFor(c, err)
	}

	s.logger.Info("session created over http",
		zap.String("session_id", sess.ID),
		zap.String("topic", sess.Topic))
	return ok(c, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c echo.Context) error {
	return ok(c, http.StatusOK, s.coordinator.ActiveSessions())
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.coordinator.GetSession(c.Param("id"))
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(c echo.Context) error {
	st, err := s.coordinator.Status(c.Param("id"))
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusOK, st)
}

// JoinSessionRequest is the body for POST /api/v1/sessions/:id/join.
type JoinSessionRequest struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// JoinSessionResponse reports whether the join was a late one.
type JoinSessionResponse struct {
	AgentID    string `json:"agent_id"`
	LateJoiner bool   `json:"late_joiner"`
}

func (s *Server) handleJoinSession(c echo.Context) error {
	var req JoinSessionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if req.AgentID == "" {
		return fail(c, http.StatusBadRequest, fmt.Errorf("agent_id is required"))
	}

	late, err := s.coordinator.JoinSession(c.Request().Context(), c.Param("id"), req.AgentID, req.DisplayName)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusOK, JoinSessionResponse{AgentID: req.AgentID, LateJoiner: late})
}

func (s *Server) handleStartDiscussion(c echo.Context) error {
	if err := s.coordinator.StartDiscussion(c.Request().Context(), c.Param("id")); err != nil {
		return failFor(c, err)
	}
	st, err := s.coordinator.Status(c.Param("id"))
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusOK, st)
}

// ContributionRequest is the body for POST /api/v1/sessions/:id/contributions.
type ContributionRequest struct {
	ParticipantID string                    `json:"participant_id"`
	Content       string                    `json:"content,omitempty"`
	Type          protocol.ContributionType `json:"type"`
}

func (s *Server) handleContribution(c echo.Context) error {
	var req ContributionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if req.ParticipantID == "" {
		return fail(c, http.StatusBadRequest, fmt.Errorf("participant_id is required"))
	}

	contrib, err := s.coordinator.ReceiveContribution(c.Request().Context(), c.Param("id"), req.ParticipantID, req.Content, req.Type)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusCreated, contrib)
}

// VoteRequest is the body for POST /api/v1/sessions/:id/votes.
type VoteRequest struct {
	ParticipantID string            `json:"participant_id"`
	ProposalID    string            `json:"proposal_id"`
	Vote          protocol.VoteType `json:"vote"`
}

// VoteResponse reports whether the ballot decided the session.
type VoteResponse struct {
	Decided bool `json:"decided"`
}

func (s *Server) handleVote(c echo.Context) error {
	var req VoteRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if req.ParticipantID == "" || req.ProposalID == "" {
		return fail(c, http.StatusBadRequest, fmt.Errorf("participant_id and proposal_id are required"))
	}

	decided, err := s.coordinator.ReceiveVote(c.Request().Context(), c.Param("id"), req.ParticipantID, req.ProposalID, req.Vote)
	if err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusOK, VoteResponse{Decided: decided})
}

// CancelSessionRequest is the body for POST /api/v1/sessions/:id/cancel.
type CancelSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelSession(c echo.Context) error {
	var req CancelSessionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	if err := s.coordinator.Cancel(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return failFor(c, err)
	}
	return ok(c, http.StatusOK, nil)
}

// TriggerRequest is the body for POST /api/v1/triggers.
type TriggerRequest struct {
	Source                protocol.TriggerType `json:"source"`
	Topic                 string               `json:"topic"`
	Description           string               `json:"description,omitempty"`
	Confidence            float64              `json:"confidence,omitempty"`
	SuggestedParticipants []string             `json:"suggested_participants,omitempty"`
	LeavingPhase          string               `json:"leaving_phase,omitempty"`
	Context               map[string]any       `json:"context,omitempty"`
}

func (s *Server) handleTrigger(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if req.Source == "" || req.Topic == "" {
		return fail(c, http.StatusBadRequest, fmt.Errorf("source and topic are required"))
	}

	tc := s.triggers.Evaluate(trigger.Event{
		Source:                req.Source,
		Topic:                 req.Topic,
		Description:           req.Description,
		Confidence:            req.Confidence,
		SuggestedParticipants: req.SuggestedParticipants,
		LeavingPhase:          req.LeavingPhase,
		Context:               req.Context,
		OccurredAt:            time.Now(),
	})
	if tc == nil {
		// Evaluated but nothing fired: below threshold or a duplicate.
		return ok(c, http.StatusAccepted, nil)
	}
	return ok(c, http.StatusCreated, tc)
}

func (s *Server) handleMonitorStart(c echo.Context) error {
	// The monitor outlives the request.
	if err := s.monitor.Start(context.Background()); err != nil {
		return fail(c, http.StatusConflict, err)
	}
	return ok(c, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStop(c echo.Context) error {
	s.monitor.Stop()
	return ok(c, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleMonitorStatus(c echo.Context) error {
	return ok(c, http.StatusOK, s.monitor.Status())
}
