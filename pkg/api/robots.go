package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

// robotView is a robot without its encrypted secret.
type robotView struct {
	*types.Robot
	ClientSecretEnc []byte `json:"client_secret_enc,omitempty"`
}

func (s *Server) handleRegisterRobot(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name    string `json:"name"`
		BaseURL string `json:"base_url,omitempty"`
		Owner   string `json:"owner,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	robot, secret, err := s.svc.Robots().Register(in.Name, in.BaseURL, in.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext secret is visible exactly once.
	writeJSON(w, http.StatusCreated, struct {
		Robot        robotView `json:"robot"`
		ClientSecret string    `json:"client_secret"`
	}{robotView{Robot: robot}, secret})
}

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := s.svc.Store().ListRobots()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]robotView, 0, len(robots))
	for _, robot := range robots {
		views = append(views, robotView{Robot: robot})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := s.svc.Robots().RotateSecret(r.PathValue("robot_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ClientSecret string `json:"client_secret"`
	}{secret})
}

func (s *Server) handleRegisterAutomation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Query json.RawMessage `json:"query"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	a, err := s.svc.Automations().RegisterAutomation(r.PathValue("robot_id"), in.Query)
	if err != nil {
		// Anything besides a missing robot is a problem with the query.
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RobotID      string   `json:"robot_id"`
		ReferenceIDs []string `json:"reference_ids"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req, err := s.svc.Enhance().CreateRequest(in.RobotID, in.ReferenceIDs, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	req, err := s.svc.Store().GetEnhancementRequest(requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	batches, err := s.svc.Store().ListBatchesByRequest(requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Request *types.EnhancementRequest      `json:"request"`
		Batches []*types.RobotEnhancementBatch `json:"batches"`
	}{req, batches})
}
