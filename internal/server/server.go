package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/synagraph/internal/engine"
	"github.com/lazypower/synagraph/internal/store"
)

// Server is the synagraph HTTP API server. It is a thin request/response
// framing over the engine; tenant resolution happens once per request in
// middleware and every enclosed operation is scoped to that tenant.
type Server struct {
	db            *store.DB
	engine        *engine.Engine
	router        chi.Router
	version       string
	defaultTenant string
	started       time.Time
	log           *zap.Logger
}

// New creates a new Server.
func New(db *store.DB, eng *engine.Engine, defaultTenant, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		db:            db,
		engine:        eng,
		version:       version,
		defaultTenant: defaultTenant,
		started:       time.Now(),
		log:           log,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.withTenant)

			r.Post("/nodes", s.handleUpsertNode)
			r.Get("/nodes", s.handleQueryByKind)
			r.Get("/nodes/{nodeID}", s.handleGetNode)
			r.Get("/nodes/{nodeID}/neighbors", s.handleNeighbors)
			r.Post("/edges", s.handleRelate)
			r.Post("/search", s.handleSearch)
			r.Post("/capsules", s.handleIngestCapsule)
			r.Get("/capsules/{capsuleKey}", s.handleLookupCapsule)
			r.Post("/capsules/{capsuleKey}/revoke", s.handleRevokeCapsule)
			r.Post("/decay", s.handleDecay)
			r.Post("/events/test", s.handleTestEvent)
			r.Post("/purge", s.handlePurge)
		})

		// Pull interface for the external delivery collaborator. Draining
		// is not tenant-scoped: the collaborator sees all tenants' events
		// in commit order and fans them out itself.
		r.Post("/outbox/drain", s.handleDrain)
		r.Post("/outbox/ack", s.handleAck)
	})

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP statuses. The error text
// carries the offending tenant/id/field, so it goes to the client as-is.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrTenantViolation):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidQuery), errors.Is(err, store.ErrDimensionMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrDanglingReference):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConflictRetryable):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
