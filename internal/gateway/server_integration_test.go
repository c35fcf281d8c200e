package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fleetrelay/controlplane/internal/store"
	"github.com/fleetrelay/controlplane/internal/wire"
)

func dialAgent(t *testing.T, f *fixture, agentID, region string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + f.server.URL[len("http"):] + "/v1/agent/ws?agentId=" + agentID + "&region=" + region
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAgentKey}},
	})
	if err != nil {
		t.Fatalf("dial agent ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })

	if err := wsjson.Write(ctx, conn, wire.Frame{
		Type:  wire.TypeHello,
		Hello: &wire.Hello{AgentID: agentID, Region: region},
	}); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.Pick(region) != nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent never registered")
	return nil
}

// TestHappyPathSingleTarget walks the full submit → dispatch → result →
// stream sequence through the public surfaces only.
func TestHappyPathSingleTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := dialAgent(t, f, "a1", "local")
	job := f.createJob(t, map[string]any{
		"action": "ping", "region": "local", "targets": []string{"acct-1"},
	})

	// Open the event stream before dispatch so task.dispatched is observed.
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/v1/jobs/"+job.ID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	// One dispatcher round claims and delivers.
	go f.dispatcher.Tick(ctx)

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var frame wire.Frame
	if err := wsjson.Read(rctx, conn, &frame); err != nil {
		t.Fatalf("read task frame: %v", err)
	}
	if frame.Type != wire.TypeTask || frame.Task.Target != "acct-1" || frame.Task.Attempt != 1 {
		t.Fatalf("frame = %+v", frame)
	}

	// Agent replies success.
	if err := wsjson.Write(rctx, conn, wire.Frame{
		Type: wire.TypeTaskResult,
		TaskResult: &wire.TaskResult{
			TaskID: frame.Task.ID, Success: true, FinishedAt: time.Now().UTC(),
		},
	}); err != nil {
		t.Fatalf("send result: %v", err)
	}

	events := readSSE(t, resp.Body, 4)
	wantTypes := []string{"ready", "job.created", "task.dispatched", "task.finished"}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("events[%d] = %s, want %s (all: %+v)", i, events[i].Type, want, events)
		}
	}
	var finished struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(events[3].Data), &finished); err != nil {
		t.Fatalf("decode finished: %v", err)
	}
	if finished.Payload["success"] != true || finished.Payload["job"] != string(store.StatusFinished) {
		t.Fatalf("finished payload = %+v", finished.Payload)
	}

	// The store agrees.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jwt, err := f.store.GetJob(ctx, job.ID)
		if err == nil && jwt.Job.Status == store.StatusFinished {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never resolved to FINISHED")
}

// TestCancellationMidFlight covers cancel-while-running and the sticky
// canceled job status on a late success.
func TestCancellationMidFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := dialAgent(t, f, "a1", "local")
	job := f.createJob(t, map[string]any{
		"action": "ping", "region": "local", "targets": []string{"acct-1", "acct-2"},
	})

	f.dispatcher.Tick(ctx)

	// First delivered task is running; read its frame.
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var frame wire.Frame
	if err := wsjson.Read(rctx, conn, &frame); err != nil {
		t.Fatalf("read task frame: %v", err)
	}

	// Cancel before the result arrives.
	resp := f.request(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	// Late success for the canceled running task.
	if err := wsjson.Write(rctx, conn, wire.Frame{
		Type: wire.TypeTaskResult,
		TaskResult: &wire.TaskResult{
			TaskID: frame.Task.ID, Success: true, FinishedAt: time.Now().UTC(),
		},
	}); err != nil {
		t.Fatalf("send late result: %v", err)
	}

	// One tick may have delivered both tasks; the one we replied for ends
	// Finished, every other task ends Canceled, and the job stays
	// sticky-Canceled throughout.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jwt, err := f.store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		byID := map[string]store.Status{}
		for _, task := range jwt.Tasks {
			byID[task.ID] = task.Status
		}
		if byID[frame.Task.ID] == store.StatusFinished {
			if jwt.Job.Status != store.StatusCanceled {
				t.Fatalf("job = %s, want sticky CANCELED", jwt.Job.Status)
			}
			for _, task := range jwt.Tasks {
				if task.ID != frame.Task.ID && task.Status != store.StatusCanceled {
					t.Fatalf("task %s = %s, want CANCELED", task.Target, task.Status)
				}
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("late result never applied")
}

func TestAgentListShowsConnectedAgent(t *testing.T) {
	f := newFixture(t)
	dialAgent(t, f, "a1", "local")

	resp := f.request(t, http.MethodGet, "/v1/agents", testAdminKey, nil)
	var out struct {
		Agents []struct {
			AgentID string `json:"agentId"`
			Region  string `json:"region"`
		} `json:"agents"`
	}
	decodeBody(t, resp, &out)
	if len(out.Agents) != 1 || out.Agents[0].AgentID != "a1" || out.Agents[0].Region != "local" {
		t.Fatalf("agents = %+v", out.Agents)
	}
}

func TestAgentWS_BadFirstFrameRejected(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + f.server.URL[len("http"):] + "/v1/agent/ws?agentId=a1&region=local"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testAgentKey}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// Hello with a mismatched agent id.
	if err := wsjson.Write(ctx, conn, wire.Frame{
		Type:  wire.TypeHello,
		Hello: &wire.Hello{AgentID: "impostor", Region: "local"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var frame wire.Frame
	readErr := wsjson.Read(ctx, conn, &frame)
	if readErr == nil {
		t.Fatalf("expected close, got %+v", frame)
	}
	if websocket.CloseStatus(readErr) != websocket.StatusPolicyViolation ||
		!strings.Contains(readErr.Error(), "hello required") {
		t.Fatalf("close = %v, want policy violation with hello required", readErr)
	}
	if f.registry.Count() != 0 {
		t.Fatalf("registry count = %d, want 0", f.registry.Count())
	}
}
