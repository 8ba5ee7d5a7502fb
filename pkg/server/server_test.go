package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/concordd/internal/metrics"
	"github.com/fyrsmithlabs/concordd/pkg/bus"
	"github.com/fyrsmithlabs/concordd/pkg/consensus"
	"github.com/fyrsmithlabs/concordd/pkg/monitor"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
	"github.com/fyrsmithlabs/concordd/pkg/trigger"
)

// nopBus satisfies bus.Bus without a broker.
type nopBus struct {
	mu        sync.Mutex
	published []protocol.Envelope
}

func (b *nopBus) Publish(_ context.Context, _ string, env protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *nopBus) Subscribe(string, bus.Handler) (bus.Subscription, error) {
	return nopSub{}, nil
}

func (b *nopBus) Close() {}

type nopSub struct{}

func (nopSub) Unsubscribe() error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	coord, err := consensus.NewCoordinator(consensus.DefaultConfig(), &nopBus{}, nil, m)
	require.NoError(t, err)

	mgr := trigger.NewManager(trigger.DefaultConfig(), nil, m)
	mgr.RegisterDefaults()

	mon := monitor.New(monitor.DefaultConfig(), mgr, nil, nil, m)

	cfg := Config{Port: 0, ShutdownTimeout: time.Second, ServiceName: "concordd"}
	return New(cfg, coord, mgr, mon, reg, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status, "error: %s", resp.Error)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
}

func createSession(t *testing.T, s *Server) string {
	t.Helper()

	rec := do(t, s, http.MethodPost, "/api/v1/sessions",
		`{"topic": "pin the linter version", "invited": ["agent-a", "agent-b"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess protocol.Session
	decodeData(t, rec, &sess)
	require.NotEmpty(t, sess.ID)
	return sess.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "concordd", health.Service)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	createSession(t, s)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "consensus_sessions_active")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	id := createSession(t, s)

	for _, agent := range []string{"agent-a", "agent-b"} {
		rec := do(t, s, http.MethodPost, "/api/v1/sessions/"+id+"/join",
			fmt.Sprintf(`{"agent_id": %q}`, agent))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// Both invited agents joined, so gathering advanced on its own.
	var st consensus.SessionStatus
	rec := do(t, s, http.MethodGet, "/api/v1/sessions/"+id+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &st)
	assert.Equal(t, protocol.PhaseProposing, st.Phase)
	assert.Equal(t, 2, st.Participants)

	rec = do(t, s, http.MethodPost, "/api/v1/sessions/"+id+"/contributions",
		`{"participant_id": "agent-a", "type": "proposal_ref", "content": "pin golangci-lint to 1.64"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/sessions/"+id+"/status", "")
	decodeData(t, rec, &st)
	assert.Equal(t, protocol.PhaseDiscussing, st.Phase)
	assert.Equal(t, 1, st.Proposals)
	assert.NotEmpty(t, st.TokenHolder)

	rec = do(t, s, http.MethodPost, "/api/v1/sessions/"+id+"/cancel",
		`{"reason": "superseded"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/sessions/"+id+"/status", "")
	decodeData(t, rec, &st)
	assert.Equal(t, protocol.PhaseAborted, st.Phase)
	assert.Equal(t, "superseded", st.AbortReason)
}

func TestListSessionsExcludesTerminal(t *testing.T) {
	s := newTestServer(t)
	id := createSession(t, s)

	var sessions []protocol.Session
	rec := do(t, s, http.MethodGet, "/api/v1/sessions", "")
	decodeData(t, rec, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)

	do(t, s, http.MethodPost, "/api/v1/sessions/"+id+"/cancel", "")

	rec = do(t, s, http.MethodGet, "/api/v1/sessions", "")
	decodeData(t, rec, &sessions)
	assert.Empty(t, sessions)
}

func TestCreateSessionValidation(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/sessions", `{"topic": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/sessions",
		`{"topic": "x", "preset": "unanimous"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownSessionIs404(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/sessions/nope/join", `{"agent_id": "a"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContributionOutsideTurnIs400(t *testing.T) {
	s := newTestServer(t)
	id := createSession(t, s)

	// Still gathering: opinions are not accepted yet.
	do(t, s, http.MethodPost, "/api/v1/sessions/"+id+"/join", `{"agent_id": "agent-a"}`)
	rec := do(t, s, http.MethodPost, "/api/v1/sessions/"+id+"/contributions",
		`{"participant_id": "agent-a", "type": "opinion", "content": "too early"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/triggers",
		`{"source": "user_requested", "topic": "migrate the queue"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tc protocol.TriggerContext
	decodeData(t, rec, &tc)
	assert.Equal(t, protocol.TriggerUserRequested, tc.TriggerType)
	assert.Equal(t, 1.0, tc.Confidence)

	// Below the agent threshold: accepted but nothing fires.
	rec = do(t, s, http.MethodPost, "/api/v1/triggers",
		`{"source": "agent_requested", "topic": "tab width", "confidence": 0.2}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/triggers", `{"source": "user_requested"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitorEndpoints(t *testing.T) {
	s := newTestServer(t)

	var st monitor.Status
	rec := do(t, s, http.MethodGet, "/api/v1/monitor/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &st)
	assert.False(t, st.Running)

	rec = do(t, s, http.MethodPost, "/api/v1/monitor/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &st)
	assert.True(t, st.Running)

	// Double start conflicts.
	rec = do(t, s, http.MethodPost, "/api/v1/monitor/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/monitor/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &st)
	assert.False(t, st.Running)
}
