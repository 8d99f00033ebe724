package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/service"
)

const shutdownGrace = 10 * time.Second

// Server is the HTTP front of a Destiny node: curator endpoints for imports,
// references and robots, signed robot endpoints for batch polling, the blob
// gateway, the event stream and the operational endpoints.
type Server struct {
	svc  *service.Service
	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(svc *service.Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Curator-facing surface.
	s.handle("POST /import-records/", s.handleCreateImportRecord)
	s.handle("POST /import-batches/", s.handleSubmitImportBatch)
	s.handle("GET /import-batches/{batch_id}/", s.handleGetImportBatch)

	s.handle("GET /references/{reference_id}/", s.handleGetReference)
	s.handle("GET /references/{reference_id}/duplicate-decision/", s.handleGetDecision)
	s.handle("PUT /references/{reference_id}/visibility/", s.handlePutVisibility)
	s.handle("GET /projections/{reference_id}/", s.handleGetProjection)

	s.handle("POST /robots/", s.handleRegisterRobot)
	s.handle("GET /robots/", s.handleListRobots)
	s.handle("POST /robots/{robot_id}/secret/", s.handleRotateSecret)
	s.handle("POST /robots/{robot_id}/automations/", s.handleRegisterAutomation)

	s.handle("POST /enhancement-requests/", s.handleCreateRequest)
	s.handle("GET /enhancement-requests/{request_id}/", s.handleGetRequest)

	s.handle("GET /events/", s.handleEvents)

	// Robot-facing surface, behind HMAC authentication.
	auth := s.svc.Robots().Middleware(s.svc.Config().Robot.ReplayWindow)
	s.mux.Handle("POST /robot-enhancement-batches/",
		auth(s.instrument("/robot-enhancement-batches/", s.handlePullBatch)))
	s.mux.Handle("GET /robot-enhancement-batches/{batch_id}/",
		auth(s.instrument("/robot-enhancement-batches/{batch_id}/", s.handleGetBatch)))
	s.mux.Handle("POST /robot-enhancement-batches/{batch_id}/results/",
		auth(s.instrument("/robot-enhancement-batches/{batch_id}/results/", s.handleSubmitResult)))

	// Pre-signed blob access for robots and import clients.
	s.mux.Handle("/blobs/", s.svc.Blobs().Handler())

	// Operational surface.
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /live", metrics.LivenessHandler())
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metrics.RegisterComponent("api", true, "")
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("HTTP API listening")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Forced API shutdown")
	}
	metrics.UpdateComponent("api", false, "stopped")
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// instrument wraps a handler with request logging and metrics.
func (s *Server) instrument(pattern string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprint(rec.status)).Inc()

		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("Handled request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets the event stream keep working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
