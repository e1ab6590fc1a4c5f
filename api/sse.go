package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/visit-engine/visit"
)

// HeartbeatInterval is how often an idle event stream sends a heartbeat.
var HeartbeatInterval = 15 * time.Second

// RouteEvents streams the route's waypoint transitions as server-sent events.
// The route must belong to the caller.
func (h *Handler) RouteEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetRoute(r.Context(), ownerFrom(r), visit.RouteID(id)); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream unavailable", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := h.Broker.Subscribe(id)
	defer h.Broker.Unsubscribe(id, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"route_id\":%q,\"ts\":%q}\n\n", id, h.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			b, err := json.Marshal(evt.Data)
			if err != nil {
				h.Logger.Error().Err(err).Str("event", evt.Type).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}
