package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phishing-support/pipeline/internal/bus"
	"github.com/phishing-support/pipeline/internal/ids"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

// handleStream relays a submission's event topic as server-sent events.
// The stream opens with a connected marker, forwards every bus event as a
// data: line, and closes itself after the pipeline's terminal event.
// A client disconnect tears down only this subscription, never the
// pipeline feeding the topic.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid submission id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.bus.Subscribe(bus.Topic(id))
	if err != nil {
		logger.Error("subscribe stream", "submissionId", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-sub.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if terminalEvent(payload) {
				return
			}
		}
	}
}

// terminalEvent reports whether an event ends the stream: the pipeline's
// completed/failed progress marker, or a failed analysis run for topics
// that never reach a progress marker.
func terminalEvent(payload json.RawMessage) bool {
	var ev struct {
		Type string `json:"type"`
		Step string `json:"step"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return false
	}
	switch ev.Type {
	case "analysis.step":
		return ev.Step == "completed" || ev.Step == "failed"
	case "run.failed":
		return true
	}
	return false
}
