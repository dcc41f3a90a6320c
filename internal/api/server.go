package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
	"github.com/alias8818/CouncilRouter-sub001/internal/idempotency"
	"github.com/alias8818/CouncilRouter-sub001/internal/middleware"
	"github.com/alias8818/CouncilRouter-sub001/internal/orchestrator"
	"github.com/alias8818/CouncilRouter-sub001/internal/registry"
	"github.com/alias8818/CouncilRouter-sub001/internal/stream"
)

// Version is reported by /health and the admin surface.
const Version = "1.0.0"

// Deps wires the server's collaborators. Engine, Registry, Hub and Env are
// required. A nil Idempotency disables replay deduplication; a nil Limiter
// disables rate limiting.
type Deps struct {
	Engine      *orchestrator.Engine
	Registry    *registry.Store
	Idempotency *idempotency.Cache
	Hub         *stream.Hub
	Configs     config.Source
	Limiter     *middleware.RateLimiter
	Env         *config.Env

	// IdempotencyWait bounds how long a duplicate submission blocks on the
	// original before answering 202. Zero defaults to 30 seconds.
	IdempotencyWait time.Duration
}

// Server is the HTTP front. Build it once with NewServer and mount Handler
// on an http.Server.
type Server struct {
	router   *mux.Router
	engine   *orchestrator.Engine
	reg      *registry.Store
	idem     *idempotency.Cache
	hub      *stream.Hub
	configs  config.Source
	limiter  *middleware.RateLimiter
	auth     *Authenticator
	env      *config.Env
	logger   *slog.Logger
	started  time.Time
	idemWait time.Duration
}

// NewServer assembles the router. Middleware order is fixed: logging and
// CORS on everything, then auth, then rate limiting on the API subtree.
func NewServer(d Deps) *Server {
	if d.IdempotencyWait <= 0 {
		d.IdempotencyWait = 30 * time.Second
	}
	s := &Server{
		engine:   d.Engine,
		reg:      d.Registry,
		idem:     d.Idempotency,
		hub:      d.Hub,
		configs:  d.Configs,
		limiter:  d.Limiter,
		auth:     NewAuthenticator(d.Env),
		env:      d.Env,
		logger:   slog.Default().With("component", "api"),
		started:  time.Now(),
		idemWait: d.IdempotencyWait,
	}

	root := mux.NewRouter()
	root.Use(middleware.CORS)
	root.Use(middleware.RequestLogger)

	root.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAuth)
	api.Use(s.rateLimit)

	api.HandleFunc("/requests", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/requests/stream", s.handleSubmitStream).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handlePoll).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/deliberation", s.handleDeliberation).Methods(http.MethodGet)
	api.HandleFunc("/presets", s.handlePresets).Methods(http.MethodGet)
	api.HandleFunc("/admin/stats", s.handleAdminStats).Methods(http.MethodGet)

	s.router = root
	return s
}

// Handler is the assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// rateLimit throttles write traffic per client IP. Reads stay exempt so
// pollers and stream subscribers are never pushed into retry loops, and the
// limiter is bypassed entirely in test mode.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.env.IsTest() || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		ok, retryAfter := s.limiter.Allow(middleware.ClientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(middleware.RetryAfterSeconds(retryAfter)))
			s.writeError(w, "", Errorf(CodeRateLimited, "too many requests, retry later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
