package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of payload an envelope carries.
type MessageType string

const (
	MsgSessionStart     MessageType = "SESSION_START"
	MsgTokenGrant       MessageType = "TOKEN_GRANT"
	MsgTokenRelease     MessageType = "TOKEN_RELEASE"
	MsgTokenSkip        MessageType = "TOKEN_SKIP"
	MsgContribution     MessageType = "CONTRIBUTION"
	MsgProposal         MessageType = "PROPOSAL"
	MsgVoteStart        MessageType = "VOTE_START"
	MsgVote             MessageType = "VOTE"
	MsgVoteResult       MessageType = "VOTE_RESULT"
	MsgConsensusReached MessageType = "CONSENSUS_REACHED"
	MsgSessionAborted   MessageType = "SESSION_ABORTED"
)

// Envelope is the transport-agnostic message wrapper exchanged over the bus.
// Payloads are opaque to the transport layer.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with the payload marshaled to JSON and the
// timestamp set to now.
func NewEnvelope(msgType MessageType, sessionID, from string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		SessionID: sessionID,
		From:      from,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
