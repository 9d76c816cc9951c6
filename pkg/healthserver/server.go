// Package healthserver exposes the operational HTTP surface: liveness,
// the run status snapshot, and Prometheus metrics.
package healthserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/version"
)

// StatusProvider contributes live in-process state to the status payload.
// The run command registers one while a pipeline is active; everything else
// in the snapshot comes from the archive and the log ring.
type StatusProvider interface {
	StatusSnapshot() map[string]any
}

// CostSource reports accumulated LLM spend per role, typically backed by a
// Prometheus query service.
type CostSource interface {
	GetRoleCosts(ctx context.Context) (map[string]float64, error)
}

// Config holds the health server settings.
type Config struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string
	// EnableMetrics additionally mounts /metrics serving the default
	// Prometheus registry.
	EnableMetrics bool
}

// Server is the operational HTTP server. Routes are fixed at construction;
// the status provider may be swapped while serving.
type Server struct {
	logger     *logx.Logger
	store      *persistence.Store
	router     chi.Router
	httpServer *http.Server
	startedAt  time.Time

	mu       sync.RWMutex
	provider StatusProvider
	costs    CostSource
}

// StatusResponse is the payload of GET /status.
type StatusResponse struct {
	Version        string                       `json:"version"`
	Commit         string                       `json:"commit"`
	Uptime         string                       `json:"uptime"`
	ActiveRuns     []*persistence.Run           `json:"active_runs"`
	RecentRuns     []*persistence.Run           `json:"recent_runs"`
	RecentSessions []*persistence.SessionRecord `json:"recent_sessions"`
	Logs           []logx.Entry                 `json:"logs"`
	RoleCosts      map[string]float64           `json:"role_costs,omitempty"`
	Live           map[string]any               `json:"live,omitempty"`
}

// New creates the server. store may be nil when the archive is disabled; the
// status payload then carries only the log ring and live state.
func New(cfg Config, store *persistence.Store) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{
		logger:    logx.NewLogger("health"),
		store:     store,
		startedAt: time.Now(),
	}

	router := chi.NewRouter()
	router.Use(s.logRequests)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/status", s.handleStatus)
	if cfg.EnableMetrics {
		router.Get("/metrics", promhttp.Handler().ServeHTTP)
	}
	s.router = router

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// SetStatusProvider registers the live state source for /status.
func (s *Server) SetStatusProvider(p StatusProvider) {
	s.mu.Lock()
	s.provider = p
	s.mu.Unlock()
}

// SetCostSource registers the per-role cost source for /status.
func (s *Server) SetCostSource(c CostSource) {
	s.mu.Lock()
	s.costs = c
	s.mu.Unlock()
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called or the listener fails. A graceful
// shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info("🩺 Health server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, letting in-flight requests finish within ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// handleHealthz implements GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleStatus implements GET /status. Archive reads that fail degrade to
// empty sections rather than failing the whole snapshot; the archive being
// briefly locked must not make the process look dead.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var since time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	resp := StatusResponse{
		Version:        version.Version,
		Commit:         version.Commit,
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		ActiveRuns:     []*persistence.Run{},
		RecentRuns:     []*persistence.Run{},
		RecentSessions: []*persistence.SessionRecord{},
		Logs:           logx.RecentEntries(query.Get("domain"), since),
	}

	if s.store != nil {
		running := persistence.RunStatusRunning
		if active, err := s.store.ListRuns(&persistence.RunFilter{Status: &running}); err != nil {
			s.logger.Warn("status: list active runs: %v", err)
		} else {
			resp.ActiveRuns = active
		}

		if recent, err := s.store.ListRuns(&persistence.RunFilter{Limit: 10}); err != nil {
			s.logger.Warn("status: list recent runs: %v", err)
		} else {
			resp.RecentRuns = recent
		}

		if sessions, err := s.store.ListRecentSessions(20); err != nil {
			s.logger.Warn("status: list recent sessions: %v", err)
		} else {
			resp.RecentSessions = sessions
		}
	}

	s.mu.RLock()
	provider := s.provider
	costs := s.costs
	s.mu.RUnlock()
	if provider != nil {
		resp.Live = provider.StatusSnapshot()
	}
	if costs != nil {
		// A slow metrics backend must not hang the snapshot.
		cctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if roleCosts, err := costs.GetRoleCosts(cctx); err != nil {
			s.logger.Warn("status: role costs: %v", err)
		} else {
			resp.RoleCosts = roleCosts
		}
		cancel()
	}

	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
