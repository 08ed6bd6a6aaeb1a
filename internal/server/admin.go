package server

import (
	"encoding/json"
	"net/http"

	relay "github.com/eugener/palantir/internal"
)

// handleEventStream tails the event hub over SSE. Each operational event goes
// out as one data frame; a subscriber that falls behind misses events rather
// than slowing the hub.
func (s *server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeErrorJSON(w, relay.ProtoOpenAI, http.StatusServiceUnavailable, "event hub not configured")
		return
	}
	ch, cancel := s.deps.Hub.Subscribe()
	defer cancel()

	h := w.Header()
	h["Content-Type"] = []string{"text/event-stream; charset=utf-8"}
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + string(ev.Kind) + "\ndata: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flush()

		case <-r.Context().Done():
			return
		}
	}
}

// poolStatsResponse is the /admin/pool payload.
type poolStatsResponse struct {
	Providers map[string]poolProviderStats `json:"providers"`
}

type poolProviderStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// handlePoolStats reports per-provider credential counts.
func (s *server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeErrorJSON(w, relay.ProtoOpenAI, http.StatusServiceUnavailable, "pool not configured")
		return
	}
	out := poolStatsResponse{Providers: make(map[string]poolProviderStats)}
	for name, stats := range s.deps.Pool.Stats() {
		out.Providers[name] = poolProviderStats{Total: stats.Total, Available: stats.Available}
	}
	body, err := json.Marshal(out)
	if err != nil {
		writeErrorJSON(w, relay.ProtoOpenAI, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
