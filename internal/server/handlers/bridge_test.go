package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftworks/autoloop/pkg/bridge"
)

func bridgeRouter(h *BridgeHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/v1/bridge/commands", h.Commands)
	r.Post("/api/v1/bridge/commands", h.Enqueue)
	r.Post("/api/v1/bridge/commands/ack", h.Ack)
	r.Post("/api/v1/bridge/snapshots", h.PublishSnapshot)
	return r
}

func newBridgeHandler() *BridgeHandler {
	return &BridgeHandler{
		Broker: bridge.NewBroker(zap.NewNop()),
		Queue:  bridge.NewQueue(),
		Logger: zap.NewNop(),
	}
}

func TestBridge_EnqueueAndDrain(t *testing.T) {
	h := newBridgeHandler()
	router := bridgeRouter(h)

	body := bytes.NewBufferString(`{"kind": "open-file", "payload": {"path": "src/app.ts"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/commands", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/bridge/commands", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Commands []bridge.Command `json:"commands"`
		Acked    int64            `json:"acked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Commands, 1)
	assert.Equal(t, bridge.CommandOpenFile, res.Commands[0].Kind)
	assert.Equal(t, int64(1), res.Commands[0].ID)
	assert.Zero(t, res.Acked)
}

func TestBridge_UnackedCommandsRedeliver(t *testing.T) {
	h := newBridgeHandler()
	router := bridgeRouter(h)

	h.Queue.Enqueue(bridge.CommandNavigate, map[string]any{"view": "jobs"})
	h.Queue.Enqueue(bridge.CommandInvokeAction, map[string]any{"action": "offer-commit"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/bridge/commands", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var res struct {
			Commands []bridge.Command `json:"commands"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Len(t, res.Commands, 2)
	}
}

func TestBridge_AckPrunes(t *testing.T) {
	h := newBridgeHandler()
	router := bridgeRouter(h)

	h.Queue.Enqueue(bridge.CommandNavigate, nil)
	second := h.Queue.Enqueue(bridge.CommandNavigate, nil)
	h.Queue.Enqueue(bridge.CommandNavigate, nil)

	body := bytes.NewBufferString(`{"id": 2}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/commands/ack", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	pending := h.Queue.Pending()
	require.Len(t, pending, 1)
	assert.Greater(t, pending[0].ID, second.ID)
}

func TestBridge_AckRejectsNonPositiveID(t *testing.T) {
	h := newBridgeHandler()

	body := bytes.NewBufferString(`{"id": 0}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/commands/ack", body)
	rec := httptest.NewRecorder()
	bridgeRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBridge_EnqueueRejectsUnknownKind(t *testing.T) {
	h := newBridgeHandler()

	body := bytes.NewBufferString(`{"kind": "reboot"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/commands", body)
	rec := httptest.NewRecorder()
	bridgeRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBridge_PublishReachesSubscribers(t *testing.T) {
	h := newBridgeHandler()

	snaps, cancel := h.Broker.Subscribe()
	defer cancel()

	body := bytes.NewBufferString(`{"project_id": "proj-1", "payload": {"state": "fixing"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/snapshots", body)
	rec := httptest.NewRecorder()
	bridgeRouter(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case snap := <-snaps:
		assert.Equal(t, "proj-1", snap.ProjectID)
		assert.Equal(t, int64(1), snap.Seq)
	default:
		t.Fatal("expected a snapshot delivery")
	}
}

func TestBridge_PublishRequiresProjectID(t *testing.T) {
	h := newBridgeHandler()

	body := bytes.NewBufferString(`{"payload": {}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/snapshots", body)
	rec := httptest.NewRecorder()
	bridgeRouter(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
