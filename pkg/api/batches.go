package api

import (
	"net/http"

	"github.com/destinylab/destiny/pkg/robot"
)

// handlePullBatch hands a batch of enhancement work to the calling robot.
// 204 means the robot has nothing to do right now.
func (s *Server) handlePullBatch(w http.ResponseWriter, r *http.Request) {
	robotID, ok := robot.RobotIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "not authenticated"})
		return
	}
	var in struct {
		MaxSize int `json:"max_size,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}
	handout, err := s.svc.Enhance().PullBatch(r.Context(), robotID, in.MaxSize)
	if err != nil {
		writeError(w, err)
		return
	}
	if handout == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, handout)
}

// handleGetBatch re-issues the pre-signed URLs of a pending batch.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	robotID, ok := robot.RobotIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "not authenticated"})
		return
	}
	handout, err := s.svc.Enhance().GetBatch(robotID, r.PathValue("batch_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handout)
}

// handleSubmitResult settles a batch after the robot uploaded its result. A
// non-empty error field is the robot's global failure report.
func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	robotID, ok := robot.RobotIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "not authenticated"})
		return
	}
	var in struct {
		Error string `json:"error,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}
	if err := s.svc.Enhance().SubmitResult(r.Context(), robotID, r.PathValue("batch_id"), in.Error); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
