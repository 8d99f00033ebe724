package robot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/destinylab/destiny/pkg/log"
)

// Request signature headers.
const (
	HeaderRobotID   = "X-Robot-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// DefaultReplayWindow bounds how stale a signed timestamp may be.
const DefaultReplayWindow = 5 * time.Minute

type ctxKey struct{}

// RobotIDFromContext returns the authenticated robot ID, if any.
func RobotIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

// Sign computes the request signature a robot client must send: hex-encoded
// HMAC-SHA256 over timestamp, method, path and body.
func Sign(secret []byte, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware authenticates robot requests by HMAC signature. The body is
// buffered for verification and restored for the next handler. On success the
// robot ID is placed on the request context.
func (r *Registry) Middleware(window time.Duration) func(http.Handler) http.Handler {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	logger := log.WithComponent("robot-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			robotID := req.Header.Get(HeaderRobotID)
			timestamp := req.Header.Get(HeaderTimestamp)
			signature := req.Header.Get(HeaderSignature)
			if robotID == "" || timestamp == "" || signature == "" {
				http.Error(w, "missing authentication headers", http.StatusUnauthorized)
				return
			}

			unix, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				http.Error(w, "invalid timestamp", http.StatusUnauthorized)
				return
			}
			skew := time.Since(time.Unix(unix, 0))
			if skew < -window || skew > window {
				http.Error(w, "timestamp outside replay window", http.StatusUnauthorized)
				return
			}

			secret, err := r.secretFor(robotID)
			if err != nil {
				logger.Debug().Str("robot_id", robotID).Err(err).Msg("Unknown robot on signed request")
				http.Error(w, "unknown robot", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			expected := Sign(secret, timestamp, req.Method, req.URL.Path, body)
			if !hmac.Equal([]byte(expected), []byte(signature)) {
				logger.Warn().Str("robot_id", robotID).Msg("Rejected request with bad signature")
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxKey{}, robotID)))
		})
	}
}
