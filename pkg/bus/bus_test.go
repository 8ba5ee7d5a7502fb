package bus

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connectTestBus(t *testing.T) *NATSBus {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return NewNATSBus(nc, nil)
}

func TestNATSBus_PublishSubscribeRoundTrip(t *testing.T) {
	b := connectTestBus(t)

	received := make(chan protocol.Envelope, 1)
	sub, err := b.Subscribe(SessionSubject("s-1"), func(env protocol.Envelope) {
		received <- env
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	contrib := protocol.Contribution{
		ID:            "c-1",
		SessionID:     "s-1",
		ParticipantID: "agent-a",
		Type:          protocol.ContributionOpinion,
		Content:       "looks good",
	}
	env, err := protocol.NewEnvelope(protocol.MsgContribution, "s-1", "agent-a", contrib)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SessionSubject("s-1"), env))

	select {
	case got := <-received:
		assert.Equal(t, protocol.MsgContribution, got.Type)
		var decoded protocol.Contribution
		require.NoError(t, got.DecodePayload(&decoded))
		assert.Equal(t, contrib, decoded)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestNATSBus_InOrderPerSubject(t *testing.T) {
	b := connectTestBus(t)

	var got []string
	done := make(chan struct{})
	sub, err := b.Subscribe(SessionSubject("s-2"), func(env protocol.Envelope) {
		got = append(got, env.From)
		if len(got) == 5 {
			close(done)
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	want := []string{"a", "b", "c", "d", "e"}
	for _, from := range want {
		env, err := protocol.NewEnvelope(protocol.MsgTokenGrant, "s-2", from, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), SessionSubject("s-2"), env))
	}

	select {
	case <-done:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected 5 envelopes, got %d", len(got))
	}
}

func TestNATSBus_MalformedMessagesDropped(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	b := NewNATSBus(nc, nil)

	received := make(chan protocol.Envelope, 1)
	sub, err := b.Subscribe(EventsSubject(), func(env protocol.Envelope) {
		received <- env
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	// Raw garbage on the same subject must not reach the handler.
	require.NoError(t, nc.Publish(EventsSubject(), []byte("not json")))

	env, err := protocol.NewEnvelope(protocol.MsgSessionStart, "s-3", "coordinator", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), EventsSubject(), env))

	select {
	case got := <-received:
		assert.Equal(t, protocol.MsgSessionStart, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope not delivered")
	}
}
