package apiserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xray-guard/internal/aggregate"
	"xray-guard/internal/model"
	"xray-guard/internal/rules"

	"github.com/gorilla/websocket"
	prommodel "github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicySet() *model.PolicySet {
	tier := &model.PolicyTier{
		Name:     "standard",
		Cooldown: prommodel.Duration(5 * time.Minute),
		Rules: []model.RuleSetting{
			{Dimension: "connection_count", Lookback: prommodel.Duration(time.Minute), Threshold: 120, Severity: model.DecisionWarn},
		},
	}
	return &model.PolicySet{
		DefaultTier: "standard",
		Tiers:       map[string]*model.PolicyTier{"standard": tier},
	}
}

func newTestAPI(t *testing.T) (*httptest.Server, *Storage, *aggregate.WindowStore, *rules.Engine) {
	t.Helper()
	logger := testLogger()

	store := NewStorage(logger)
	windows := aggregate.NewWindowStore(24*time.Hour, nil, logger)
	engine := rules.NewEngine(windows, testPolicySet(), 10*time.Second, nil, logger)
	handlers := NewHandlers(store, windows, engine, "node-1", logger)
	server := NewServer("0", handlers, logger)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, store, windows, engine
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDecisionsEndpointFiltersByKind(t *testing.T) {
	ts, store, _, _ := newTestAPI(t)
	store.AddDecision(makeDecision("d-1", "alice", model.DecisionWarn))
	store.AddDecision(makeDecision("d-2", "bob", model.DecisionBlock))

	var body struct {
		Items []model.Decision `json:"items"`
		Total int              `json:"total"`
	}
	status := getJSON(t, ts.URL+"/api/v1/decisions?kind=block", &body)

	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "bob", body.Items[0].ClientID)
}

func TestDecisionByIDEndpoint(t *testing.T) {
	ts, store, _, _ := newTestAPI(t)
	store.AddDecision(makeDecision("d-1", "alice", model.DecisionWarn))

	var decision model.Decision
	status := getJSON(t, ts.URL+"/api/v1/decisions/d-1", &decision)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", decision.ClientID)

	status = getJSON(t, ts.URL+"/api/v1/decisions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestClientsAndUnblockEndpoints(t *testing.T) {
	ts, _, _, engine := newTestAPI(t)
	engine.Evaluate("alice", time.Now().UTC())

	var clients struct {
		Items []rules.ClientStateSummary `json:"items"`
		Total int                        `json:"total"`
	}
	status := getJSON(t, ts.URL+"/api/v1/clients", &clients)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, clients.Total)
	assert.Equal(t, "alice", clients.Items[0].ClientID)

	resp, err := http.Post(ts.URL+"/api/v1/clients/alice/unblock", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the state is gone, a second unblock has nothing to clear
	resp, err = http.Post(ts.URL+"/api/v1/clients/alice/unblock", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWindowsEndpoint(t *testing.T) {
	ts, _, windows, _ := newTestAPI(t)

	bucket := &model.Bucket{
		Key:         model.ClientKey("alice"),
		BucketStart: time.Now().UTC().Truncate(10 * time.Second),
		BytesIn:     100,
		Sealed:      true,
	}
	require.NoError(t, windows.Append(bucket))

	var body struct {
		Items []aggregate.KeySummary `json:"items"`
		Total int                    `json:"total"`
	}
	status := getJSON(t, ts.URL+"/api/v1/windows", &body)

	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "alice", body.Items[0].Key.ClientID)
	assert.Equal(t, int64(100), body.Items[0].TotalBytes)
}

func TestStatsEndpoint(t *testing.T) {
	ts, store, _, _ := newTestAPI(t)
	store.AddDecision(makeDecision("d-1", "alice", model.DecisionWarn))
	store.AddDecision(makeDecision("d-2", "bob", model.DecisionBlock))

	var body struct {
		Node      string        `json:"node"`
		Decisions DecisionStats `json:"decisions"`
	}
	status := getJSON(t, ts.URL+"/api/v1/stats", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "node-1", body.Node)
	assert.Equal(t, int64(2), body.Decisions.Total)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamDecisionsDeliversLive(t *testing.T) {
	ts, store, _, _ := newTestAPI(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream/decisions"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello["type"])

	store.AddDecision(makeDecision("d-ws", "alice", model.DecisionBlock))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var decision model.Decision
	require.NoError(t, conn.ReadJSON(&decision))
	assert.Equal(t, "d-ws", decision.ID)
	assert.Equal(t, model.DecisionBlock, decision.Kind)
}
