// Package ingress implements the HTTP surface (spec §6.1): POST /send,
// GET /stats, GET /health, GET /live, GET /metrics. Every route but
// /health, /live and /metrics requires a valid X-Service-Token header,
// verified by an identity.Authenticator before the request reaches the
// enqueuer.
package ingress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailforge/dispatch"
	"github.com/mailforge/dispatch/enqueue"
	"github.com/mailforge/dispatch/identity"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/stats"
)

const serviceTokenHeader = "X-Service-Token"

// Server wires the enqueuer, stats aggregator and authenticator into an
// http.Handler.
type Server struct {
	enqueuer *enqueue.Enqueuer
	aggr     *stats.Aggregator
	auth     identity.Authenticator
	logger   *slog.Logger
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCORS installs a CORS policy allowing the given origins. Without
// this option no CORS middleware is installed (server-to-server calls
// don't need it).
func WithCORS(allowedOrigins []string) Option {
	return func(s *Server) {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type", serviceTokenHeader},
			MaxAge:         300,
		}))
	}
}

// New builds a Server. auth may be nil only in tests that don't exercise
// authenticated routes; production callers always supply one.
func New(enqueuer *enqueue.Enqueuer, aggr *stats.Aggregator, auth identity.Authenticator, opts ...Option) *Server {
	s := &Server{
		enqueuer: enqueuer,
		aggr:     aggr,
		auth:     auth,
		logger:   slog.Default(),
		router:   chi.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(chimw.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/live", s.handleLive)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/send", s.handleSend)
		r.Get("/stats", s.handleStats)
	})
}

// authenticate rejects requests missing a valid X-Service-Token before
// they reach a handler (spec §6.1, §10.2).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		ident, err := s.auth.Authenticate(r.Context(), r.Header.Get(serviceTokenHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, dispatch.ErrUnauthorized.Error())
			return
		}
		r = r.WithContext(withIdentity(r.Context(), ident))
		next.ServeHTTP(w, r)
	})
}

// EnqueueRequest is the POST /send request body (spec §6.1).
type EnqueueRequest struct {
	Recipients      []string       `json:"recipients"`
	TemplateName    string         `json:"template_name"`
	TemplateContext map[string]any `json:"template_context,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Priority        job.Priority   `json:"priority,omitempty"`
	Provider        job.ProviderKind `json:"provider,omitempty"`
	ScheduledFor    *time.Time     `json:"scheduled_for,omitempty"`
}

// EnqueueResult is the POST /send response body (spec §6.1).
type EnqueueResult struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	QueuePosition int64  `json:"queue_position"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ident, _ := identityFrom(r.Context())

	result, err := s.enqueuer.Enqueue(r.Context(), enqueue.Request{
		Recipients:      req.Recipients,
		TemplateName:    req.TemplateName,
		TemplateContext: req.TemplateContext,
		Subject:         req.Subject,
		Priority:        req.Priority,
		Provider:        req.Provider,
		ScheduledFor:    req.ScheduledFor,
		SubmittedBy:     ident.ServiceName,
		Endpoint:        "/send",
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, EnqueueResult{
		JobID:         result.JobID.String(),
		Status:        result.Status,
		QueuePosition: result.QueuePosition,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.aggr.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.aggr.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleLive is a shallow liveness probe: it reports the process is up
// without touching the queue store, unlike /health.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
