package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/notify"
	"github.com/crmforge/bulkactions/internal/pkg/httputil"
)

// sseHeartbeat keeps idle proxies from closing the stream.
const sseHeartbeat = 15 * time.Second

// StreamBulkActionEvents streams progress updates for one action as
// server-sent events. The current state is sent immediately; the stream
// ends after a terminal update or when the client disconnects.
func (h *Handlers) StreamBulkActionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.svc.GetActionByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, action.ErrNotFound) {
			httputil.NotFound(w, "bulk action not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalError(w, fmt.Errorf("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before the snapshot so no update slips between the two.
	sub := h.hub.Subscribe(id)
	defer sub.Close()

	writeSSE(w, notify.Update{ID: a.ID, Status: a.Status, Stats: a.Stats})
	flusher.Flush()
	if a.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case u, open := <-sub.Updates():
			if !open {
				return
			}
			writeSSE(w, u)
			flusher.Flush()
			if u.Status.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, u notify.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}
