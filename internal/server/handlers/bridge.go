package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/driftworks/autoloop/internal/errors"
	"github.com/driftworks/autoloop/pkg/bridge"
)

// BridgeHandler exposes the UI bridge over HTTP: a snapshot stream for the
// driver to watch, and a command queue it drains and acknowledges.
type BridgeHandler struct {
	Broker *bridge.Broker
	Queue  *bridge.Queue
	Logger *zap.Logger
}

// Commands returns every unacknowledged command, oldest first. Commands
// stay in the response until the driver acks them.
func (h *BridgeHandler) Commands(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]any{
		"commands": h.Queue.Pending(),
		"acked":    h.Queue.Acked(),
	})
}

// AckBody is the request body for acknowledging commands.
type AckBody struct {
	ID int64 `json:"id"`
}

// Ack acknowledges every command at or below the given id.
func (h *BridgeHandler) Ack(w http.ResponseWriter, r *http.Request) {
	var body AckBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if body.ID <= 0 {
		respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "id must be positive"))
		return
	}
	h.Queue.Ack(body.ID)
	writeSuccess(w, map[string]any{"acked": h.Queue.Acked()})
}

// EnqueueBody is the request body for queueing a UI command.
type EnqueueBody struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Enqueue queues a command for the UI driver and returns it with its id.
func (h *BridgeHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body EnqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	switch body.Kind {
	case bridge.CommandNavigate, bridge.CommandOpenFile, bridge.CommandInvokeAction:
	default:
		respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "unknown command kind: "+body.Kind))
		return
	}
	cmd := h.Queue.Enqueue(body.Kind, body.Payload)
	writeSuccess(w, map[string]any{"command": cmd})
}

// SnapshotBody is the request body for publishing a state snapshot.
type SnapshotBody struct {
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
}

// PublishSnapshot publishes a state snapshot to every stream subscriber.
func (h *BridgeHandler) PublishSnapshot(w http.ResponseWriter, r *http.Request) {
	var body SnapshotBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if strings.TrimSpace(body.ProjectID) == "" {
		respondWithError(w, r, apperrors.New(apperrors.ClassValidation,
			apperrors.CodeInvalidArgument, "project_id is required"))
		return
	}
	snap := h.Broker.Publish(bridge.Snapshot{
		ProjectID: body.ProjectID,
		Payload:   body.Payload,
	})
	writeSuccess(w, map[string]any{"seq": snap.Seq})
}

// Stream serves snapshots as server-sent events until the client goes away.
func (h *BridgeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, r, apperrors.New(apperrors.ClassTransport,
			apperrors.CodeInternal, "streaming unsupported"))
		return
	}

	snaps, cancel := h.Broker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				h.Logger.Warn("snapshot encode failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Seq, data)
			flusher.Flush()
		}
	}
}
