package blob

import (
	"io"
	"net/http"
	"strings"

	"github.com/destinylab/destiny/pkg/log"
)

// Handler serves pre-signed blob traffic. Mount it under /blobs/.
//
// GET streams the blob; PUT replaces it. Every request must carry a valid
// token for exactly that key and verb.
func (s *Store) Handler() http.Handler {
	logger := log.WithComponent("blob")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/blobs/")
		if key == "" || key == r.URL.Path {
			http.Error(w, "missing blob key", http.StatusBadRequest)
			return
		}
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if err := s.verifyToken(token, key, r.Method); err != nil {
			logger.Debug().Str("key", key).Err(err).Msg("Rejected pre-signed request")
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodGet:
			rc, err := s.Open(r.Context(), key)
			if err != nil {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			defer rc.Close()
			w.Header().Set("Content-Type", "application/octet-stream")
			if _, err := io.Copy(w, rc); err != nil {
				logger.Warn().Str("key", key).Err(err).Msg("Blob download interrupted")
			}
		case http.MethodPut:
			if err := s.Put(r.Context(), key, r.Body); err != nil {
				logger.Error().Str("key", key).Err(err).Msg("Failed to store uploaded blob")
				http.Error(w, "upload failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
