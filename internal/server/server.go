package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/otel"
)

const defaultTimeout = 30 * time.Second

// Server exposes a Coordinator over HTTP for agents that run their tools
// in another process.
type Server struct {
	router      *chi.Mux
	c           *coordinator.Coordinator
	apiKeys     map[string]string
	corsOrigins []string
	callerRate  float64
	callerBurst int
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (["*"] admits any).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithCallerRate limits each authenticated caller to rps requests per
// second with the given burst. Zero disables the limit.
func WithCallerRate(rps float64, burst int) Option {
	return func(s *Server) {
		s.callerRate = rps
		s.callerBurst = burst
	}
}

// NewServer builds a Server. apiKeys maps key -> caller name.
func NewServer(c *coordinator.Coordinator, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		c:         c,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the chi router with middleware and routes mounted.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	if len(s.corsOrigins) > 0 {
		r.Use(CORSMiddleware(s.corsOrigins))
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.callerRate, s.callerBurst))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/precheck", s.handlePrecheck)
		r.Post("/v1/complete", s.handleComplete)
		r.Post("/v1/events", s.handleEvent)

		r.Get("/v1/usage", s.handleUsage)
		r.Get("/v1/hooks", s.handleHooks)
		r.Get("/v1/tools", s.handleToolStats)

		r.Get("/v1/checkpoints", s.handleCheckpointList)
		r.Get("/v1/checkpoints/{id}", s.handleCheckpointGet)
		r.Get("/v1/checkpoints/{id}/diff", s.handleCheckpointDiff)
		r.Get("/v1/checkpoints/{id}/lineage", s.handleCheckpointLineage)
		r.Post("/v1/checkpoints/{id}/restore", s.handleCheckpointRestore)

		r.Get("/v1/side-effects", s.handleSideEffectList)
		r.Get("/v1/side-effects/{id}/verify", s.handleSideEffectVerify)

		r.Get("/v1/memory", s.handleMemory)
	})
	return r
}
