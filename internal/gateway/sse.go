package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/fleetrelay/controlplane/internal/broker"
)

// sseWriter frames server-sent events. The ready sentinel lets clients
// distinguish a live stream from a dead idle connection, so it goes out
// before anything else.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, flusher: flusher}
	if err := sw.writeRaw("ready", []byte("{}")); err != nil {
		return nil, false
	}
	return sw, true
}

func (sw *sseWriter) writeRaw(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) writeEvent(eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sw.writeRaw(eventType, data)
}

// handleJobEvents streams one job's events. An unknown job id 404s before
// the stream starts. The broker never replays, so one job.created event is
// synthesized from the stored row right after ready; everything else is
// live fan-out.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	// Subscribe before the existence check so an event published between
	// the two is buffered rather than missed.
	sub := s.cfg.Broker.SubscribeJob(jobID)
	defer sub.Close()

	jwt, err := s.cfg.Store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		return
	}

	streamID := uuid.NewString()
	s.cfg.Logger.Debug("sse: job stream opened", "job_id", jobID, "stream_id", streamID)
	defer s.cfg.Logger.Debug("sse: job stream closed", "job_id", jobID, "stream_id", streamID)

	if err := sw.writeEvent("job.created", map[string]any{
		"jobId":   jwt.Job.ID,
		"status":  jwt.Job.Status,
		"targets": len(jwt.Job.Targets),
	}); err != nil {
		return
	}

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := sw.writeEvent(ev.Type, ev); err != nil {
			return
		}
	}
}

// handleSessionEventStream streams session events for one account, or for
// every account when the filter is omitted.
func (s *Server) handleSessionEventStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("accountName")
	if key == "" {
		key = broker.WildcardKey
	}
	sub := s.cfg.Broker.SubscribeSession(key)
	defer sub.Close()

	sw, ok := newSSEWriter(w)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := sw.writeEvent(ev.EventType, ev); err != nil {
			return
		}
	}
}

// handleAuthChallengeStream streams auth challenges, filtered or wildcard.
func (s *Server) handleAuthChallengeStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("accountName")
	if key == "" {
		key = broker.WildcardKey
	}
	sub := s.cfg.Broker.SubscribeAuthChallenge(key)
	defer sub.Close()

	sw, ok := newSSEWriter(w)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := sw.writeEvent(ev.ChallengeType, ev); err != nil {
			return
		}
	}
}
