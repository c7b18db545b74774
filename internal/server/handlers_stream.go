package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/storage"
)

const keepaliveInterval = 15 * time.Second

// HandleStreamRun handles GET /v1/runs/{run_id}/stream (SSE).
//
// The stream carries only events published after attach; there is no replay.
// A listener that attaches late reconstructs state from the run snapshot
// endpoint. The stream ends after the run's terminal event has been relayed;
// attaching to an already-terminal run yields a single terminal event
// synthesized from the snapshot so every consumer sees the same exit
// condition.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("server: stream run lookup failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}

	// ResponseController reaches the real writer through middleware wrappers.
	rc := http.NewResponseController(w)

	// Subscribe before the terminal check so a run finishing in between
	// cannot slip past both the snapshot and the bus.
	ch := h.bus.Subscribe(runID)
	defer h.bus.Unsubscribe(runID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("server: streaming not supported by connection", "error", err)
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	if run.Status.Terminal() {
		_ = writeSSEEvent(w, rc, terminalEventFromRun(run))
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-ch:
			if !ok {
				// Topic torn down under us. The terminal event normally
				// arrives in-band before the close; if this subscriber's
				// buffer dropped it, synthesize one from the snapshot.
				h.emitTerminalFromSnapshot(w, r, rc, runID)
				return
			}
			if err := writeSSEEvent(w, rc, ev); err != nil {
				return
			}
			if ev.AllDone {
				return
			}
		}
	}
}

func (h *Handlers) emitTerminalFromSnapshot(w http.ResponseWriter, r *http.Request, rc *http.ResponseController, runID uuid.UUID) {
	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil || !run.Status.Terminal() {
		return
	}
	_ = writeSSEEvent(w, rc, terminalEventFromRun(run))
}

// terminalEventFromRun synthesizes the terminal event for a run that is
// already terminal in storage.
func terminalEventFromRun(run model.Run) model.RunEvent {
	failed := run.Status != model.RunStatusCompleted
	msg := ""
	if run.Error != nil {
		msg = *run.Error
	}
	return model.RunTerminalEvent(run.ID, failed, msg)
}

// writeSSEEvent writes one event in SSE wire format and flushes it.
func writeSSEEvent(w http.ResponseWriter, rc *http.ResponseController, ev model.RunEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	return rc.Flush()
}
