package api

import (
	"net/http"

	"github.com/destinylab/destiny/pkg/types"
)

func (s *Server) handleGetReference(w http.ResponseWriter, r *http.Request) {
	referenceID := r.PathValue("reference_id")
	ref, err := s.svc.Store().GetReference(referenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	idents, err := s.svc.Store().ListIdentifiers(referenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	enhs, err := s.svc.Store().ListEnhancements(referenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*types.Reference
		Identifiers  []types.ExternalIdentifier `json:"identifiers"`
		Enhancements []types.Enhancement        `json:"enhancements"`
	}{ref, idents, enhs})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	referenceID := r.PathValue("reference_id")
	if _, err := s.svc.Store().GetReference(referenceID); err != nil {
		writeError(w, err)
		return
	}
	active, err := s.svc.Store().GetActiveDecision(referenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.svc.Store().ListDecisionHistory(referenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Active  *types.ReferenceDuplicateDecision   `json:"active"`
		History []*types.ReferenceDuplicateDecision `json:"history"`
	}{active, history})
}

// handlePutVisibility changes a reference's visibility and schedules the
// rebuild of the projection it contributes to.
func (s *Server) handlePutVisibility(w http.ResponseWriter, r *http.Request) {
	referenceID := r.PathValue("reference_id")
	var in struct {
		Visibility types.Visibility `json:"visibility"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	switch in.Visibility {
	case types.VisibilityPublic, types.VisibilityRestricted, types.VisibilityHidden:
	default:
		writeError(w, &types.SchemaViolationError{Field: "visibility", Reason: "unknown visibility"})
		return
	}
	if err := s.svc.Store().UpdateReferenceVisibility(referenceID, in.Visibility); err != nil {
		writeError(w, err)
		return
	}

	canonicalID := referenceID
	if decision, err := s.svc.Store().GetActiveDecision(referenceID); err == nil &&
		decision != nil && decision.Determination.PointsToCanonical() {
		canonicalID = decision.CanonicalReferenceID
	}
	if _, err := s.svc.Tasks().Enqueue(r.Context(), types.TaskRebuildProjection, canonicalID,
		types.RebuildProjectionTask{CanonicalID: canonicalID}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProjection(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Projections().Get(r.PathValue("reference_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
