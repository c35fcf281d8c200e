package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fleetrelay/controlplane/internal/apperr"
	"github.com/fleetrelay/controlplane/internal/store"
)

type createJobRequest struct {
	Action  string            `json:"action"`
	Region  string            `json:"region"`
	Targets []string          `json:"targets"`
	Payload map[string]any    `json:"payload"`
	Meta    map[string]string `json:"meta"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.InvalidArgument("invalid JSON body"))
		return
	}

	jwt, err := s.cfg.Store.CreateJob(r.Context(), store.CreateJobRequest{
		Action:  req.Action,
		Region:  req.Region,
		Targets: req.Targets,
		Payload: req.Payload,
		Meta:    req.Meta,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.cfg.Logger.Info("job created", "job_id", jwt.Job.ID, "action", jwt.Job.Action,
		"region", jwt.Job.Region, "targets", len(jwt.Job.Targets))
	s.cfg.Broker.PublishJob(jwt.Job.ID, "job.created", map[string]any{
		"status":  jwt.Job.Status,
		"targets": len(jwt.Job.Targets),
	})

	w.Header().Set("Location", "/v1/jobs/"+jwt.Job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jwt.Job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, apperr.InvalidArgument("limit must be an integer"))
			return
		}
		limit = n
	}
	// Out-of-range values clamp inside the store rather than erroring.
	jobs, err := s.cfg.Store.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jwt, err := s.cfg.Store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jwt.Job, "tasks": jwt.Tasks})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Store.CancelJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Logger.Info("job canceled", "job_id", id)
	s.cfg.Broker.PublishJob(id, "job.canceled", nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
