package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fleetrelay/controlplane/internal/apperr"
)

// handlePostSessionEvent ingests a session state change from the admin
// surface or from an agent observing the backend session.
func (s *Server) handlePostSessionEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountName string `json:"accountName"`
		EventType   string `json:"eventType"`
		State       string `json:"state"`
		Message     string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.InvalidArgument("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.AccountName) == "" {
		s.writeError(w, apperr.InvalidArgument("accountName must be non-empty"))
		return
	}
	if req.EventType == "" {
		req.EventType = "session.event"
	}

	s.cfg.Broker.PublishSession(req.AccountName, req.EventType, req.State, req.Message)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePostAuthCode accepts a challenge code typed by a tenant and fans
// it out on the account's auth-challenge topic for the waiting consumer.
func (s *Server) handlePostAuthCode(w http.ResponseWriter, r *http.Request) {
	accountName := r.PathValue("accountName")
	var req struct {
		Code string `json:"code"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.InvalidArgument("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, apperr.InvalidArgument("code must be non-empty"))
		return
	}
	if req.Type == "" {
		req.Type = "email"
	}

	s.cfg.Logger.Info("auth code submitted", "account", accountName, "challenge_type", req.Type)
	s.cfg.Broker.PublishAuthChallenge(accountName, req.Type, req.Code, "")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
