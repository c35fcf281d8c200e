// Package gateway is the HTTP surface of the control plane: job
// submission and inspection, server-sent event streams, the agent tunnel
// upgrade, and the operational endpoints.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/fleetrelay/controlplane/internal/apperr"
	"github.com/fleetrelay/controlplane/internal/broker"
	"github.com/fleetrelay/controlplane/internal/dispatch"
	otelpkg "github.com/fleetrelay/controlplane/internal/otel"
	"github.com/fleetrelay/controlplane/internal/registry"
	"github.com/fleetrelay/controlplane/internal/store"
)

const defaultListLimit = 50

// Config holds the gateway's collaborators.
type Config struct {
	Store      *store.Store
	Registry   *registry.Registry
	Broker     *broker.Broker
	Dispatcher *dispatch.Dispatcher
	Auth       *Auth
	Logger     *slog.Logger
	// Metrics instruments are optional; nil skips recording.
	Metrics *otelpkg.Metrics

	// ConfigFingerprint is the hash of the active config, exposed on the
	// config endpoint so operators can confirm what a node runs.
	ConfigFingerprint string
	// AgentKeysHotReload reports whether a key-file watcher is active.
	AgentKeysHotReload bool
	// EnableSwagger mounts the OpenAPI document.
	EnableSwagger bool
}

// Server carries the handler state.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/jobs", s.requireAdmin(s.handleCreateJob))
	mux.Handle("GET /v1/jobs", s.requireAdmin(s.handleListJobs))
	mux.Handle("GET /v1/jobs/{id}", s.requireAdmin(s.handleGetJob))
	mux.Handle("POST /v1/jobs/{id}/cancel", s.requireAdmin(s.handleCancelJob))
	mux.Handle("GET /v1/jobs/{id}/events", s.requireAdmin(s.handleJobEvents))

	mux.Handle("GET /v1/sessions/events", s.requireAdmin(s.handleSessionEventStream))
	mux.Handle("POST /v1/sessions/events", s.requireAdminOrAgent(s.handlePostSessionEvent))
	mux.Handle("GET /v1/auth/challenges/events", s.requireAdmin(s.handleAuthChallengeStream))
	mux.Handle("POST /v1/auth/challenges/{accountName}/code", s.requireAdmin(s.handlePostAuthCode))

	mux.Handle("GET /v1/agents", s.requireAdmin(s.handleListAgents))
	mux.Handle("GET /v1/agent/ws", s.requireAgent(s.handleAgentWS))

	mux.Handle("GET /v1/config", s.requireAdmin(s.handleConfig))
	mux.Handle("POST /v1/store/backup", s.requireAdmin(s.handleBackup))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	if s.cfg.EnableSwagger {
		mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates the error taxonomy into wire responses. Internal
// causes never reach the body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidArgument:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case apperr.KindNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case apperr.KindUnauthorized:
		w.WriteHeader(http.StatusUnauthorized)
	default:
		s.cfg.Logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": s.cfg.ConfigFingerprint,
		"hotReload":   s.cfg.AgentKeysHotReload,
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.InvalidArgument("invalid JSON body"))
		return
	}
	if err := s.cfg.Store.Backup(r.Context(), req.Path); err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Logger.Info("store backup written", "path", req.Path)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": req.Path})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Registry.List()})
}

// handleMetrics renders the Prometheus text exposition by hand; the
// scrape surface is small enough that a client library would be the
// heavier half of the file.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mc, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP controlplane_jobs_total Number of jobs in the store.\n")
	fmt.Fprintf(w, "# TYPE controlplane_jobs_total gauge\n")
	fmt.Fprintf(w, "controlplane_jobs_total %d\n", mc.Jobs)
	fmt.Fprintf(w, "# HELP controlplane_tasks Tasks by status.\n")
	fmt.Fprintf(w, "# TYPE controlplane_tasks gauge\n")
	fmt.Fprintf(w, "controlplane_tasks{status=\"queued\"} %d\n", mc.QueuedTasks)
	fmt.Fprintf(w, "controlplane_tasks{status=\"running\"} %d\n", mc.RunningTasks)
	fmt.Fprintf(w, "controlplane_tasks{status=\"finished\"} %d\n", mc.FinishedTasks)
	fmt.Fprintf(w, "controlplane_tasks{status=\"failed\"} %d\n", mc.FailedTasks)
	fmt.Fprintf(w, "controlplane_tasks{status=\"canceled\"} %d\n", mc.CanceledTasks)
	fmt.Fprintf(w, "# HELP controlplane_agents_connected Currently connected agents.\n")
	fmt.Fprintf(w, "# TYPE controlplane_agents_connected gauge\n")
	fmt.Fprintf(w, "controlplane_agents_connected %d\n", s.cfg.Registry.Count())

	if s.cfg.Dispatcher != nil {
		stats := s.cfg.Dispatcher.Stats()
		fmt.Fprintf(w, "# HELP controlplane_dispatched_total Tasks handed to an agent send queue.\n")
		fmt.Fprintf(w, "# TYPE controlplane_dispatched_total counter\n")
		fmt.Fprintf(w, "controlplane_dispatched_total %d\n", stats.Dispatched)
		fmt.Fprintf(w, "# HELP controlplane_dispatch_failures_total Claims requeued because no agent was available or the enqueue failed.\n")
		fmt.Fprintf(w, "# TYPE controlplane_dispatch_failures_total counter\n")
		fmt.Fprintf(w, "controlplane_dispatch_failures_total %d\n", stats.DispatchFailed+stats.EnqueueFailed)
		fmt.Fprintf(w, "# HELP controlplane_lease_requeues_total Running tasks reclaimed by the lease sweep.\n")
		fmt.Fprintf(w, "# TYPE controlplane_lease_requeues_total counter\n")
		fmt.Fprintf(w, "controlplane_lease_requeues_total %d\n", stats.LeaseRequeued)
		fmt.Fprintf(w, "# HELP controlplane_dispatch_ticks_total Completed dispatcher ticks.\n")
		fmt.Fprintf(w, "# TYPE controlplane_dispatch_ticks_total counter\n")
		fmt.Fprintf(w, "controlplane_dispatch_ticks_total %d\n", stats.TicksCompleted)
	}

	fmt.Fprintf(w, "# HELP controlplane_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE controlplane_alloc_bytes gauge\n")
	fmt.Fprintf(w, "controlplane_alloc_bytes %d\n", mem.Alloc)
}
