// Package wire defines the framed JSON protocol spoken over the agent
// tunnel. Each frame is one JSON object tagged by its type field with one
// optional body per type. Unknown types are rejected at parse time; the
// tolerant-ignore behavior for recognized-but-unexpected frames lives in
// the tunnel's dispatch loop, not here.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetrelay/controlplane/internal/store"
)

// Frame types. Only hello is accepted as an agent's first frame; only task
// is ever sent to an agent; only task_result is consumed from an agent.
const (
	TypeHello      = "hello"
	TypeTask       = "task"
	TypeTaskResult = "task_result"
)

// Hello is the agent's opening frame. AgentID and Region must match the
// connect parameters or the tunnel closes without registering.
type Hello struct {
	AgentID      string            `json:"agentId"`
	Region       string            `json:"region"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// TaskResult is an agent's report for one delivered task.
type TaskResult struct {
	TaskID     string         `json:"taskId"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// Frame is the tagged variant carried by each tunnel message.
type Frame struct {
	Type       string      `json:"type"`
	Hello      *Hello      `json:"hello,omitempty"`
	Task       *store.Task `json:"task,omitempty"`
	TaskResult *TaskResult `json:"taskResult,omitempty"`
}

// frameAlias avoids recursing into Frame.UnmarshalJSON.
type frameAlias Frame

// UnmarshalJSON decodes a frame and rejects unknown type strings.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var a frameAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Type {
	case TypeHello, TypeTask, TypeTaskResult:
	default:
		return fmt.Errorf("unknown frame type %q", a.Type)
	}
	*f = Frame(a)
	return nil
}

// TaskFrame wraps a task for delivery to an agent.
func TaskFrame(t store.Task) Frame {
	return Frame{Type: TypeTask, Task: &t}
}
