package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/destinylab/destiny/pkg/events"
)

// handleEvents streams repository events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	sub := s.svc.Events().Subscribe()
	defer s.svc.Events().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event *events.Event) error {
	data, err := json.Marshal(struct {
		ID        string            `json:"id"`
		Type      events.EventType  `json:"type"`
		Timestamp time.Time         `json:"timestamp"`
		Message   string            `json:"message,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}{event.ID, event.Type, event.Timestamp, event.Message, event.Metadata})
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + string(event.Type) + "\n")); err != nil {
		return err
	}
	_, err = w.Write([]byte("data: " + string(data) + "\n\n"))
	return err
}
