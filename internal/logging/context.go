package logging

import (
	"context"

	"go.uber.org/zap"
)

type sessionCtxKey struct{}
type participantCtxKey struct{}

// WithSessionID returns a context carrying the session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext returns the session id, or "" when absent.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

// WithParticipantID returns a context carrying the participant id.
func WithParticipantID(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantCtxKey{}, participantID)
}

// ParticipantIDFromContext returns the participant id, or "" when absent.
func ParticipantIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(participantCtxKey{}).(string)
	return id
}

// ContextFields extracts correlation fields from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	if participantID := ParticipantIDFromContext(ctx); participantID != "" {
		fields = append(fields, zap.String("participant_id", participantID))
	}
	return fields
}
