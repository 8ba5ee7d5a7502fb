// Package bus adapts the consensus engine to a NATS publish/subscribe
// transport. Envelopes are published on per-session subjects; core NATS
// guarantees in-order delivery per subject, which is the only ordering the
// engine assumes.
//
// Subjects:
//   - consensus.session.{session_id}  per-session protocol traffic
//   - consensus.events                engine-wide activity feed (monitor input,
//     trigger announcements, committed insights)
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

const (
	sessionSubjectPrefix = "consensus.session."
	eventsSubject        = "consensus.events"

	publishMaxTries = 4
)

// SessionSubject returns the subject carrying one session's traffic.
func SessionSubject(sessionID string) string {
	return sessionSubjectPrefix + sessionID
}

// EventsSubject returns the engine-wide activity subject.
func EventsSubject() string {
	return eventsSubject
}

// Handler consumes one envelope. Handlers run on the subscription's
// dispatch goroutine and must not block.
type Handler func(protocol.Envelope)

// Subscription is an active bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the engine's view of the transport: append-only publish plus
// subject subscription.
type Bus interface {
	Publish(ctx context.Context, subject string, env protocol.Envelope) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}

// NATSBus implements Bus over a NATS connection.
//
// Publishes retry with bounded exponential backoff; a publish that exhausts
// its retries surfaces as a protocol.TransportError, which is fatal to the
// affected session only.
type NATSBus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Options configures the NATS connection.
type Options struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Name          string
}

// DefaultOptions returns connection options matching the daemon defaults.
func DefaultOptions() Options {
	return Options{
		URL:           nats.DefaultURL,
		MaxReconnects: 5,
		ReconnectWait: time.Second,
		Name:          "concordd",
	}
}

// Connect dials NATS and wraps the connection in a NATSBus.
func Connect(opts Options, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", opts.URL, err)
	}
	return &NATSBus{nc: nc, logger: logger}, nil
}

// NewNATSBus wraps an existing connection. The caller retains ownership of
// the connection lifecycle when using this constructor with Close left
// uncalled.
func NewNATSBus(nc *nats.Conn, logger *zap.Logger) *NATSBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBus{nc: nc, logger: logger}
}

// Publish marshals the envelope and publishes it, retrying transient
// failures with exponential backoff up to a bounded try count.
func (b *NATSBus) Publish(ctx context.Context, subject string, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if pubErr := b.nc.Publish(subject, data); pubErr != nil {
			return struct{}{}, pubErr
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(publishMaxTries),
	)
	if err != nil {
		b.logger.Error("bus publish failed",
			zap.String("subject", subject),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return &protocol.TransportError{Subject: subject, Err: err}
	}
	return nil
}

// Subscribe registers a handler for all envelopes on the subject. Malformed
// messages are logged and dropped.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("dropping malformed envelope",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, &protocol.TransportError{Subject: subject, Err: err}
	}
	return sub, nil
}

// Flush blocks until all buffered publishes have been processed by the
// server. Useful in tests.
func (b *NATSBus) Flush() error {
	return b.nc.Flush()
}

// Close drains and closes the underlying connection.
func (b *NATSBus) Close() {
	if b.nc != nil && !b.nc.IsClosed() {
		b.nc.Close()
	}
}
