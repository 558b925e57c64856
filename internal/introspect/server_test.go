package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store/memory"
)

func seedOne(t *testing.T, es *memory.Store) event.Base {
	t.Helper()
	ctx := context.Background()
	aggregateID := event.FileWatchAggregateID("/src/A.java")
	base := event.NewBase(event.TypeClassFileChanged, event.AggregateFileWatch, aggregateID, 1, "", event.NewCorrelationID(), "")
	require.NoError(t, es.Append(ctx, event.AggregateFileWatch, aggregateID, 0, []event.Event{event.ClassFileChanged{Base: base, ClassName: "com.ex.A"}}))
	return base
}

func TestHandleHealth_ReportsStoreHealth(t *testing.T) {
	es := memory.New(nil)
	s := New(Config{Addr: ":0"}, es, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleEventsFor_ReturnsAggregateStream(t *testing.T) {
	es := memory.New(nil)
	base := seedOne(t, es)
	s := New(Config{Addr: ":0"}, es, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/aggregates/"+event.AggregateFileWatch+"/"+base.AggregateID+"/events", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
}

func TestHandleEventsByType_RejectsBadLimit(t *testing.T) {
	es := memory.New(nil)
	s := New(Config{Addr: ":0"}, es, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/events/by-type/"+string(event.TypeClassFileChanged)+"?limit=nope", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFlowFeed_RefusesUpgradeWithoutHub(t *testing.T) {
	es := memory.New(nil)
	s := New(Config{Addr: ":0"}, es, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/flows", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestFlowHub_PublishReachesConnectedClient(t *testing.T) {
	es := memory.New(nil)
	hub := NewFlowHub(nil)
	s := New(Config{Addr: ":0"}, es, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Start(ctx)

	server := httptest.NewServer(s.router)
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):] + "/ws/flows"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the hub a moment to register the client before publishing
	time.Sleep(50 * time.Millisecond)

	hub.Publish(event.FlowDiscovered{
		FlowName:         "Hot-Swap Complete Flow",
		TriggeringEvents: []string{"evt-1"},
		Confidence:       0.95,
		DiscoveredAt:     time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg FlowMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Hot-Swap Complete Flow", msg.FlowName)
	assert.InDelta(t, 0.95, msg.Confidence, 0.0001)
}
