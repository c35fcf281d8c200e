package gateway

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/fleetrelay/controlplane/internal/apperr"
	"github.com/fleetrelay/controlplane/internal/tunnel"
)

// handleAgentWS upgrades an agent connection and hands it to the tunnel.
// The tunnel's lifetime is bound to the request context: closing the
// request cancels both loops and triggers unregistration.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	region := r.URL.Query().Get("region")
	if agentID == "" || region == "" {
		s.writeError(w, apperr.InvalidArgument("agentId and region query params are required"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the failure response.
		s.cfg.Logger.Warn("agent ws: upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	deps := tunnel.Deps{
		Store:    s.cfg.Store,
		Registry: s.cfg.Registry,
		Broker:   s.cfg.Broker,
		Logger:   s.cfg.Logger,
		Metrics:  s.cfg.Metrics,
	}
	deps.Run(r.Context(), conn, agentID, region)
}
