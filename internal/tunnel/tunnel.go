// Package tunnel runs the bidirectional framed session between the
// control plane and one agent over a WebSocket connection.
package tunnel

import (
	"context"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fleetrelay/controlplane/internal/apperr"
	"github.com/fleetrelay/controlplane/internal/broker"
	otelpkg "github.com/fleetrelay/controlplane/internal/otel"
	"github.com/fleetrelay/controlplane/internal/registry"
	"github.com/fleetrelay/controlplane/internal/store"
	"github.com/fleetrelay/controlplane/internal/wire"
)

// Deps are the collaborators a tunnel session needs.
type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	Broker   *broker.Broker
	Logger   *slog.Logger
	// Metrics instruments are optional; nil skips recording.
	Metrics *otelpkg.Metrics
}

// wsTransport adapts a websocket connection to the registry's send side.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Send(ctx context.Context, f wire.Frame) error {
	return wsjson.Write(ctx, t.conn, f)
}

// Run owns one agent connection from handshake to teardown. The first
// frame must be a hello whose agentId and region match the connect
// parameters; anything else closes the connection without registering.
// Run returns when the connection closes, errors, or ctx is canceled.
func (d Deps) Run(ctx context.Context, conn *websocket.Conn, agentID, region string) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var first wire.Frame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		logger.Warn("tunnel: handshake read failed", "agent_id", agentID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}
	if first.Type != wire.TypeHello || first.Hello == nil ||
		first.Hello.AgentID != agentID || first.Hello.Region != region {
		logger.Warn("tunnel: hello mismatch", "agent_id", agentID, "region", region)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	entry := d.Registry.Register(ctx, *first.Hello, wsTransport{conn: conn})
	logger.Info("agent connected", "agent_id", agentID, "region", region)
	if d.Metrics != nil {
		d.Metrics.ConnectedAgents.Add(ctx, 1)
	}
	// Published with an empty job id: no subscriber can hold the empty
	// key, so the broker discards it. Kept for the log line and for a
	// future lifecycle topic.
	d.Broker.PublishJob("", "agent.connected", map[string]any{"agentId": agentID, "region": region})

	defer func() {
		d.Registry.Unregister(entry)
		if d.Metrics != nil {
			d.Metrics.ConnectedAgents.Add(context.WithoutCancel(ctx), -1)
		}
		logger.Info("agent disconnected", "agent_id", agentID, "region", region)
		d.Broker.PublishJob("", "agent.disconnected", map[string]any{"agentId": agentID, "region": region})
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var frame wire.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		switch frame.Type {
		case wire.TypeTaskResult:
			if frame.TaskResult == nil {
				continue
			}
			d.handleResult(ctx, logger, *frame.TaskResult)
		default:
			// Recognized-but-unexpected frames (a mid-session hello, an
			// echoed task) are tolerated and ignored.
		}
	}
}

func (d Deps) handleResult(ctx context.Context, logger *slog.Logger, res wire.TaskResult) {
	task, job, err := d.Store.SetTaskResult(ctx, store.TaskResult{
		TaskID:     res.TaskID,
		Success:    res.Success,
		Error:      res.Error,
		Output:     res.Output,
		FinishedAt: res.FinishedAt,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			// The agent may be reporting a task whose job was purged.
			logger.Debug("tunnel: result for unknown task dropped", "task_id", res.TaskID)
			return
		}
		logger.Error("tunnel: set task result failed", "task_id", res.TaskID, "error", err)
		return
	}
	logger.Info("task finished", "task_id", task.ID, "job_id", job.ID, "success", res.Success)
	if d.Metrics != nil {
		d.Metrics.TasksFinished.Add(ctx, 1)
	}
	d.Broker.PublishJob(job.ID, "task.finished", map[string]any{
		"taskId":  task.ID,
		"success": res.Success,
		"job":     job.Status,
	})
}
