package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/enhance"
	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

// errorBody is the uniform error envelope of the API.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Debug().Err(err).Msg("Response write failed")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		schema     *types.SchemaViolationError
		transition *enhance.TransitionError
		collision  *storage.IdentifierCollisionError
	)
	switch {
	case errors.As(err, &schema):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: schema.Code()})
	case errors.Is(err, index.ErrQueryLacksChangeset):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, enhance.ErrWrongRobot):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, enhance.ErrBatchNotPending), errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &collision):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: collision.Code()})
	default:
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
