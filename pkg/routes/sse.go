package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kabili207/phone-presence-server/pkg/broadcast"
)

// lastEventID reads the client's resume point from the Last-Event-ID header
// or the lastEventId query parameter. Unparseable values count as zero.
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, env broadcast.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", env.Sequence, data)
	return err
}

// eventsSSE streams hub envelopes as server-sent events. The stream ends when
// the hub closes the subscription (lifetime ceiling or shutdown) or the
// client goes away.
func (wr *WebRouter) eventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastSeen := lastEventID(r)
	sub := wr.Hub.Subscribe(lastSeen)
	defer sub.Close()

	log := wr.log().With("connection_id", sub.ID, "transport", "sse")
	if lastSeen > 0 {
		log.Debug("client resuming", "last_event_id", lastSeen)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, env); err != nil {
				log.Debug("client write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
