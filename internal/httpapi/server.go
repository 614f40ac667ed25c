// Package httpapi exposes the upload lifecycle over HTTP.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"sheetvault/internal/sv"
)

// Subscriber attaches a websocket client to notification channels and blocks
// until it disconnects.
type Subscriber interface {
	ServeWS(w http.ResponseWriter, r *http.Request, channels []string) error
}

// Options carries the dependencies of a Server. Subscriber, Staging and
// Registry are optional.
type Options struct {
	Service    *sv.UploadService
	Accounts   sv.AccountDirectory
	Gate       *sv.Gate
	Subscriber Subscriber
	Staging    StagingStats
	Logger     sv.Logger
	JWTSecret  []byte
	Registry   *prometheus.Registry
}

// Server routes API requests onto the access scopes.
type Server struct {
	service    *sv.UploadService
	accounts   sv.AccountDirectory
	gate       *sv.Gate
	subscriber Subscriber
	logger     sv.Logger
	secret     []byte
	metrics    *Metrics
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = sv.NewNopLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Server{
		service:    opts.Service,
		accounts:   opts.Accounts,
		gate:       opts.Gate,
		subscriber: opts.Subscriber,
		logger:     logger,
		secret:     opts.JWTSecret,
		metrics:    NewMetrics(registry, opts.Staging, opts.Gate),
	}
}

// Routes builds the router. Health and metrics endpoints are unauthenticated.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(s.logger))
	r.Use(s.metrics.Middleware)

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(s.secret, s.logger))

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Get("/content", s.handleContent)
				r.Get("/data", s.handleData)
				r.Post("/insights", s.handleInsight)
			})
		})
		r.Get("/stats", s.handleStats)
		r.Post("/admin/reconcile", s.handleReconcile)
		r.Get("/notifications/ws", s.handleNotifications)
	})
	return r
}

// scope picks the widest access scope the caller's role grants.
func (s *Server) scope(requester sv.Requester) *sv.Scope {
	return sv.ScopeFor(requester, s.service, s.accounts)
}
