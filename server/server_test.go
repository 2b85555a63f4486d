package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/cache"
	"github.com/kestrelsec/kestrel/config"
	"github.com/kestrelsec/kestrel/engine"
	"github.com/kestrelsec/kestrel/identity"
	kestreltest "github.com/kestrelsec/kestrel/internal/testing"
	"github.com/kestrelsec/kestrel/pubsub"
	"github.com/kestrelsec/kestrel/query"
	"github.com/kestrelsec/kestrel/storage"
)

func newTestServer(t *testing.T) (*Server, *pubsub.Broker) {
	t.Helper()
	cfg := config.Default()

	adapter, err := storage.NewSQLiteAdapter(kestreltest.CreateTestDB(t), nil)
	require.NoError(t, err)
	results, err := cache.NewTieredCache(cfg.Cache, nil, nil)
	require.NoError(t, err)

	eng := engine.New(cfg, query.DefaultRegistry(), adapter, results, nil)
	broker := pubsub.NewBroker(cfg.PubSub, nil)

	s := New(cfg.Server, eng, broker, nil)
	s.wg.Add(1)
	go s.run()
	t.Cleanup(func() {
		s.cancel()
		s.wg.Wait()
	})
	return s, broker
}

func dialTestClient(t *testing.T, s *Server, org, user, role string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("X-Organization-ID", org)
	header.Set("X-User-ID", user)
	header.Set("X-Role", role)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestIdentityFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Nil(t, identityFromRequest(r))

	r.Header.Set("X-Organization-ID", "org1")
	r.Header.Set("X-User-ID", "u1")
	r.Header.Set("X-Role", "analyst")

	id := identityFromRequest(r)
	require.NotNil(t, id)
	assert.Equal(t, "org1", id.OrganizationID)
	assert.Equal(t, identity.RoleAnalyst, id.Role)
}

func TestWebSocketRejectsMissingIdentity(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	s.cfg.AllowedOrigins = nil
	r.Header.Set("Origin", "https://anywhere.example")
	assert.True(t, s.checkOrigin(r), "no configured origins allows all")

	s.cfg.AllowedOrigins = []string{"https://console.kestrelsec.io"}
	assert.False(t, s.checkOrigin(r))

	r.Header.Del("Origin")
	assert.True(t, s.checkOrigin(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "https://console.kestrelsec.io")
	assert.True(t, s.checkOrigin(r))
}

func TestSubscribeAndReceiveEvent(t *testing.T) {
	s, broker := newTestServer(t)
	conn := dialTestClient(t, s, "org1", "u1", "ANALYST")

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:      "subscribe",
		BaseTopic: pubsub.TopicAlerts,
		Filter:    pubsub.In("severity", "HIGH", "CRITICAL"),
	}))

	subscribed := readMessage(t, conn)
	require.Equal(t, "subscribed", subscribed.Type)
	require.NotEmpty(t, subscribed.SubscriptionID)

	broker.Publish("org1", pubsub.TopicAlerts, map[string]interface{}{"severity": "HIGH"})

	event := readMessage(t, conn)
	require.Equal(t, "event", event.Type)
	assert.Equal(t, subscribed.SubscriptionID, event.SubscriptionID)
	assert.Equal(t, "HIGH", event.Event.Payload["severity"])
}

func TestSubscribeForbiddenRole(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialTestClient(t, s, "org1", "u1", "VIEWER")

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:      "subscribe",
		BaseTopic: pubsub.TopicIncidents,
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "below required")
}

func TestQueryOverWebSocket(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialTestClient(t, s, "org1", "u1", "ANALYST")

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:       "query",
		Name:       "indicatorSummary",
		Selections: []query.Selection{query.Field("indicators")},
	}))

	msg := readMessage(t, conn)
	require.Equal(t, "result", msg.Type)
	require.NotNil(t, msg.Result)
	assert.Equal(t, query.StrategyStandard, msg.Result.Metrics.Strategy)
	assert.NotEmpty(t, msg.Result.Metrics.QueryID)
}

func TestPingRefreshesAndPongs(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialTestClient(t, s, "org1", "u1", "ANALYST")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func statsRequest(role string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	if role != "" {
		r.Header.Set("X-Organization-ID", "org1")
		r.Header.Set("X-User-ID", "u1")
		r.Header.Set("X-Role", role)
	}
	return r
}

func TestStatsRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleStats(w, statsRequest(""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	s.handleStats(w, statsRequest("ANALYST"))
	assert.Equal(t, http.StatusForbidden, w.Code, "cross-organization counters are operator-only")

	w = httptest.NewRecorder()
	s.handleStats(w, statsRequest("ADMIN"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "connected_clients")
}

func publishRequest(role, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/publish", strings.NewReader(body))
	if role != "" {
		r.Header.Set("X-Organization-ID", "org1")
		r.Header.Set("X-User-ID", "u1")
		r.Header.Set("X-Role", role)
	}
	return r
}

func TestPublishEndpointFansOut(t *testing.T) {
	s, broker := newTestServer(t)

	analyst := &identity.Context{OrganizationID: "org1", UserID: "u1", Role: identity.RoleAnalyst}
	sub, err := broker.Subscribe(analyst, pubsub.TopicAlerts, "org1", nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.handlePublish(w, publishRequest("ANALYST", `{"topic":"alerts","payload":{"severity":"HIGH"}}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case e := <-sub.C:
		assert.Equal(t, "alerts:org1", e.Topic)
		assert.Equal(t, "HIGH", e.Payload["severity"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.handlePublish(w, httptest.NewRequest(http.MethodGet, "/api/publish", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	s.handlePublish(w, publishRequest("", `{"topic":"alerts"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	s.handlePublish(w, publishRequest("VIEWER", `{"topic":"alerts"}`))
	assert.Equal(t, http.StatusForbidden, w.Code, "publishing requires at least ANALYST")

	w = httptest.NewRecorder()
	s.handlePublish(w, publishRequest("ANALYST", `{"topic":"weather"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	s.handlePublish(w, publishRequest("ANALYST", `not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopClosesClients(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialTestClient(t, s, "org1", "u1", "ANALYST")

	// Ensure the client registered before shutting down.
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	readMessage(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
