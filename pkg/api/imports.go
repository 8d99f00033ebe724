package api

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/destinylab/destiny/pkg/types"
)

// maxImportBody bounds one uploaded JSONL file.
const maxImportBody = 256 << 20

func (s *Server) handleCreateImportRecord(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Source string `json:"source,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}
	rec := &types.ImportRecord{ID: uuid.NewString(), Source: in.Source, CreatedAt: time.Now()}
	if err := s.svc.Store().CreateImportRecord(rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleSubmitImportBatch takes a JSONL body and enqueues its processing.
// The collision strategy and optional record id come in as query parameters
// so the body can stay a plain stream.
func (s *Server) handleSubmitImportBatch(w http.ResponseWriter, r *http.Request) {
	strategy := types.CollisionStrategy(r.URL.Query().Get("collision_strategy"))
	if strategy == "" {
		strategy = types.CollisionFail
	}
	recordID := r.URL.Query().Get("record_id")

	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read body"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty import file"})
		return
	}

	batch, err := s.svc.Ingest().Submit(r.Context(), recordID, strategy, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) handleGetImportBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")
	batch, err := s.svc.Store().GetImportBatch(batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.svc.Store().ListImportResults(batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Batch   *types.ImportBatch    `json:"batch"`
		Results []*types.ImportResult `json:"results"`
	}{batch, results})
}
