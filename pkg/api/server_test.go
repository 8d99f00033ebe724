package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destinylab/destiny/pkg/config"
	"github.com/destinylab/destiny/pkg/robot"
	"github.com/destinylab/destiny/pkg/service"
	"github.com/destinylab/destiny/pkg/types"
)

type apiRig struct {
	svc    *service.Service
	server *Server
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Blob.BaseURL = "http://repository.test"
	cfg.Blob.SigningKey = "test-blob-secret"
	cfg.Robot.SecretKey = "test-robot-secret"

	svc, err := service.New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	return &apiRig{svc: svc, server: NewServer(svc)}
}

func (rig *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	return rec
}

// signedDo issues a request carrying a valid robot HMAC signature.
func (rig *apiRig) signedDo(t *testing.T, robotID, secret, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(robot.HeaderRobotID, robotID)
	req.Header.Set(robot.HeaderTimestamp, timestamp)
	req.Header.Set(robot.HeaderSignature, robot.Sign([]byte(secret), timestamp, method, path, body))
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (rig *apiRig) registerRobot(t *testing.T, name string) (string, string) {
	t.Helper()
	rec := rig.do(t, http.MethodPost, "/robots/", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Robot struct {
			ID string `json:"id"`
		} `json:"robot"`
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Robot.ID, out.ClientSecret
}

func TestLivenessAndMetrics(t *testing.T) {
	rig := newAPIRig(t)

	assert.Equal(t, http.StatusOK, rig.do(t, http.MethodGet, "/live", nil).Code)
	assert.Equal(t, http.StatusOK, rig.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestImportBatchSubmitAndStatus(t *testing.T) {
	rig := newAPIRig(t)

	line, err := json.Marshal(types.ReferencePayload{
		Identifiers: []types.ExternalIdentifier{
			{IdentifierType: types.IdentifierDOI, Identifier: "10.1000/api.test.1"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/import-batches/?collision_strategy=fail", bytes.NewReader(append(line, '\n')))
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var batch types.ImportBatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	status := rig.do(t, http.MethodGet, "/import-batches/"+batch.ID+"/", nil)
	assert.Equal(t, http.StatusOK, status.Code)

	bad := rig.do(t, http.MethodGet, "/import-batches/no-such-batch/", nil)
	assert.Equal(t, http.StatusNotFound, bad.Code)
}

func TestUnknownCollisionStrategyIsRejected(t *testing.T) {
	rig := newAPIRig(t)

	req := httptest.NewRequest(http.MethodPost, "/import-batches/?collision_strategy=explode", bytes.NewReader([]byte("{}\n")))
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingReferenceIs404(t *testing.T) {
	rig := newAPIRig(t)

	assert.Equal(t, http.StatusNotFound, rig.do(t, http.MethodGet, "/references/nope/", nil).Code)
	assert.Equal(t, http.StatusNotFound, rig.do(t, http.MethodGet, "/projections/nope/", nil).Code)
}

func TestRobotEndpointsRequireSignature(t *testing.T) {
	rig := newAPIRig(t)
	robotID, secret := rig.registerRobot(t, "abstract-robot")

	// Unsigned polling is rejected outright.
	unsigned := rig.do(t, http.MethodPost, "/robot-enhancement-batches/", nil)
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)

	// A signed poll with no open requests is an explicit empty answer.
	idle := rig.signedDo(t, robotID, secret, http.MethodPost, "/robot-enhancement-batches/", nil)
	assert.Equal(t, http.StatusNoContent, idle.Code, idle.Body.String())
}

func TestSignedPullReturnsHandout(t *testing.T) {
	rig := newAPIRig(t)
	robotID, secret := rig.registerRobot(t, "abstract-robot")

	// Seed one reference and open a request for it by hand.
	ref := &types.Reference{ID: "ref-handout", Visibility: types.VisibilityPublic, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, rig.svc.Store().CreateReference(ref))

	created := rig.do(t, http.MethodPost, "/enhancement-requests/", map[string]any{
		"robot_id":      robotID,
		"reference_ids": []string{ref.ID},
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())

	pulled := rig.signedDo(t, robotID, secret, http.MethodPost, "/robot-enhancement-batches/", nil)
	require.Equal(t, http.StatusOK, pulled.Code, pulled.Body.String())

	var handout struct {
		BatchID             string `json:"batch_id"`
		ReferenceStorageURL string `json:"reference_storage_url"`
		ResultStorageURL    string `json:"result_storage_url"`
	}
	require.NoError(t, json.Unmarshal(pulled.Body.Bytes(), &handout))
	assert.NotEmpty(t, handout.BatchID)
	assert.Contains(t, handout.ReferenceStorageURL, "token=")
	assert.Contains(t, handout.ResultStorageURL, "token=")

	refreshed := rig.signedDo(t, robotID, secret, http.MethodGet,
		fmt.Sprintf("/robot-enhancement-batches/%s/", handout.BatchID), nil)
	assert.Equal(t, http.StatusOK, refreshed.Code)

	// Another robot cannot touch the batch.
	otherID, otherSecret := rig.registerRobot(t, "bib-robot")
	stolen := rig.signedDo(t, otherID, otherSecret, http.MethodGet,
		fmt.Sprintf("/robot-enhancement-batches/%s/", handout.BatchID), nil)
	assert.Equal(t, http.StatusForbidden, stolen.Code)
}

func TestRegisterAutomationRejectsBadQuery(t *testing.T) {
	rig := newAPIRig(t)
	robotID, _ := rig.registerRobot(t, "bib-robot")

	good := rig.do(t, http.MethodPost, "/robots/"+robotID+"/automations/", map[string]any{
		"query": json.RawMessage(`{"nested":{"path":"changeset","query":{"term":{"enhancement_type":"bibliographic"}}}}`),
	})
	assert.Equal(t, http.StatusCreated, good.Code, good.Body.String())

	bad := rig.do(t, http.MethodPost, "/robots/"+robotID+"/automations/", map[string]any{
		"query": json.RawMessage(`{"term":{"reference.visibility":"public"}}`),
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	missing := rig.do(t, http.MethodPost, "/robots/no-such-robot/automations/", map[string]any{
		"query": json.RawMessage(`{"nested":{"path":"changeset","query":{"term":{"enhancement_type":"bibliographic"}}}}`),
	})
	assert.Equal(t, http.StatusNotFound, missing.Code)
}
