package robot

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destinylab/destiny/pkg/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	enc, err := NewEncryptorFromPassword("test-master-password")
	require.NoError(t, err)
	return NewRegistry(store, enc)
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptorFromPassword("pw")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("the secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "the secret")

	plain, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "the secret", string(plain))

	// A different key cannot decrypt.
	other, err := NewEncryptorFromPassword("other")
	require.NoError(t, err)
	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestRegisterIssuesSecretOnce(t *testing.T) {
	reg := newTestRegistry(t)

	robot, secret, err := reg.Register("openalex-enricher", "https://robots.example/openalex", "data-team")
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.NotEmpty(t, robot.ID)

	// Stored form is encrypted, not the plaintext.
	stored, err := reg.store.GetRobot(robot.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.ClientSecretEnc), secret)

	decrypted, err := reg.secretFor(robot.ID)
	require.NoError(t, err)
	assert.Equal(t, secret, string(decrypted))

	// Names are unique.
	_, _, err = reg.Register("openalex-enricher", "https://elsewhere.example", "data-team")
	assert.Error(t, err)
}

func TestRotateSecretInvalidatesOld(t *testing.T) {
	reg := newTestRegistry(t)
	robot, oldSecret, err := reg.Register("abstract-bot", "https://robots.example/abs", "ml-team")
	require.NoError(t, err)

	newSecret, err := reg.RotateSecret(robot.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)

	current, err := reg.secretFor(robot.ID)
	require.NoError(t, err)
	assert.Equal(t, newSecret, string(current))
}

func signedRequest(t *testing.T, robotID, secret, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/robot-enhancement-batches/", strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderRobotID, robotID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign([]byte(secret), ts, req.Method, req.URL.Path, []byte(body)))
	return req
}

func TestMiddlewareAcceptsValidSignature(t *testing.T) {
	reg := newTestRegistry(t)
	robot, secret, err := reg.Register("sig-bot", "", "")
	require.NoError(t, err)

	var gotRobotID string
	handler := reg.Middleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRobotID, _ = RobotIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, robot.ID, secret, `{"poll":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, robot.ID, gotRobotID)
}

func TestMiddlewareRejections(t *testing.T) {
	reg := newTestRegistry(t)
	robot, secret, err := reg.Register("sig-bot", "", "")
	require.NoError(t, err)

	handler := reg.Middleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("missing headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/robot-enhancement-batches/", nil)
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("tampered body", func(t *testing.T) {
		req := signedRequest(t, robot.ID, secret, `{"poll":true}`)
		req.Body = http.NoBody
		req.ContentLength = 0
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := signedRequest(t, robot.ID, "not-the-secret", `{}`)
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("unknown robot", func(t *testing.T) {
		req := signedRequest(t, "no-such-robot", secret, `{}`)
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		body := `{}`
		req := httptest.NewRequest(http.MethodPost, "/robot-enhancement-batches/", strings.NewReader(body))
		ts := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
		req.Header.Set(HeaderRobotID, robot.ID)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign([]byte(secret), ts, req.Method, req.URL.Path, []byte(body)))
		assert.Equal(t, http.StatusUnauthorized, serve(req))
	})
}
