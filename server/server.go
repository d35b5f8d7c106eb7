// Package server exposes the operator HTTP API: health, dispatcher ticks,
// discovery triggers, community configs and the job queue.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gamedaylive/pkg/gameday"
)

const maxBodyBytes = 64 << 10

// Dispatcher runs due jobs.
type Dispatcher interface {
	RunDue(ctx context.Context, now time.Time) (int, error)
}

// Lifecycle receives the externally triggered events.
type Lifecycle interface {
	RunDiscovery(ctx context.Context, ictx gameday.InvocationContext) error
	OnConfigSaved(ctx context.Context, ictx gameday.InvocationContext, cfg *gameday.SubredditConfig) error
	OnPostDeleted(ctx context.Context, ictx gameday.InvocationContext, postID string) error
}

// Settings stores community configs.
type Settings interface {
	Get(ctx context.Context, community string) (*gameday.SubredditConfig, error)
	Save(ctx context.Context, cfg *gameday.SubredditConfig) (*gameday.SubredditConfig, error)
	Communities(ctx context.Context) ([]string, error)
}

// Jobs is the inspectable job queue.
type Jobs interface {
	List(ctx context.Context) ([]*gameday.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Config holds server dependencies.
type Config struct {
	Dispatcher Dispatcher
	Lifecycle  Lifecycle
	Settings   Settings
	Jobs       Jobs
	Logger     *slog.Logger
	Invocation func(community string) gameday.InvocationContext
	APIToken   string // Bearer token for every route except /health and /metrics; empty disables auth
}

// Server handles HTTP requests.
type Server struct {
	dispatcher Dispatcher
	lifecycle  Lifecycle
	settings   Settings
	jobs       Jobs
	logger     *slog.Logger
	invocation func(string) gameday.InvocationContext
	now        func() time.Time
	apiToken   string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		dispatcher: cfg.Dispatcher,
		lifecycle:  cfg.Lifecycle,
		settings:   cfg.Settings,
		jobs:       cfg.Jobs,
		logger:     cfg.Logger,
		invocation: cfg.Invocation,
		now:        time.Now,
		apiToken:   cfg.APIToken,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/pollz", s.handlePoll)
		r.Post("/discoverz", s.handleDiscoverAll)

		r.Route("/communities/{community}", func(r chi.Router) {
			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handlePutConfig)
			r.Post("/discover", s.handleDiscover)
		})

		r.Get("/jobs", s.handleListJobs)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Post("/triggers/post-deleted", s.handlePostDeleted)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			s.logger.Warn("Rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	n, err := s.dispatcher.RunDue(r.Context(), s.now())
	if err != nil {
		s.logger.Error("Dispatcher tick failed", "error", err)
		writeError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "jobs_run": n})
}

func (s *Server) handleDiscoverAll(w http.ResponseWriter, r *http.Request) {
	communities, err := s.settings.Communities(r.Context())
	if err != nil {
		s.logger.Error("Failed to list communities", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list communities")
		return
	}

	var failed []string
	for _, c := range communities {
		if err := s.lifecycle.RunDiscovery(r.Context(), s.invocation(c)); err != nil {
			s.logger.Error("Discovery failed", "community", c, "error", err)
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "partial", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "communities": len(communities)})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	community := chi.URLParam(r, "community")
	if err := s.lifecycle.RunDiscovery(r.Context(), s.invocation(community)); err != nil {
		s.logger.Error("Discovery failed", "community", community, "error", err)
		writeError(w, http.StatusInternalServerError, "discovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	community := chi.URLParam(r, "community")
	cfg, err := s.settings.Get(r.Context(), community)
	if err != nil {
		s.logger.Error("Failed to load config", "community", community, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no config for community")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	community := strings.ToLower(chi.URLParam(r, "community"))

	var cfg gameday.SubredditConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cfg.Community == "" {
		cfg.Community = community
	}
	if !strings.EqualFold(cfg.Community, community) {
		writeError(w, http.StatusBadRequest, "community in body does not match path")
		return
	}
	cfg.Community = community
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.settings.Save(r.Context(), &cfg); err != nil {
		if errors.Is(err, gameday.ErrCommunityNotAllowed) {
			writeError(w, http.StatusForbidden, "configuration denied for unapproved community")
			return
		}
		s.logger.Error("Failed to save config", "community", community, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}

	ictx := s.invocation(community)
	if err := s.lifecycle.OnConfigSaved(r.Context(), ictx, &cfg); err != nil {
		// The config is stored; the next discovery run picks it up.
		s.logger.Error("Config saved but follow-up failed", "community", community, "trace_id", ictx.TraceID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "saved", "warning": "follow-up failed"})
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if community := strings.ToLower(r.URL.Query().Get("community")); community != "" {
		var filtered []*gameday.Job
		for _, j := range jobs {
			if j.Community == community {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []*gameday.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.jobs.Cancel(r.Context(), id)
	if errors.Is(err, gameday.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to cancel job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.logger.Info("Job cancelled by operator", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type postDeletedRequest struct {
	Community string `json:"community"`
	PostID    string `json:"post_id"`
}

func (s *Server) handlePostDeleted(w http.ResponseWriter, r *http.Request) {
	var req postDeletedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Community == "" || req.PostID == "" {
		writeError(w, http.StatusBadRequest, "community and post_id are required")
		return
	}

	ictx := s.invocation(req.Community)
	if err := s.lifecycle.OnPostDeleted(r.Context(), ictx, req.PostID); err != nil {
		s.logger.Error("Post deletion cleanup failed", "community", ictx.Community, "post_id", req.PostID, "trace_id", ictx.TraceID, "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
