package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fleetrelay/controlplane/internal/broker"
	"github.com/fleetrelay/controlplane/internal/registry"
	"github.com/fleetrelay/controlplane/internal/store"
	"github.com/fleetrelay/controlplane/internal/wire"
)

type tunnelFixture struct {
	store    *store.Store
	registry *registry.Registry
	broker   *broker.Broker
	server   *httptest.Server
}

func newFixture(t *testing.T) *tunnelFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &tunnelFixture{
		store:    st,
		registry: registry.New(nil),
		broker:   broker.New(),
	}
	deps := Deps{Store: st, Registry: f.registry, Broker: f.broker}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		deps.Run(r.Context(), conn, r.URL.Query().Get("agentId"), r.URL.Query().Get("region"))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *tunnelFixture) dial(t *testing.T, agentID, region string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + f.server.URL[len("http"):] + "/?agentId=" + agentID + "&region=" + region
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	return conn
}

func sendHello(t *testing.T, conn *websocket.Conn, agentID, region string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := wsjson.Write(ctx, conn, wire.Frame{
		Type:  wire.TypeHello,
		Hello: &wire.Hello{AgentID: agentID, Region: region},
	})
	if err != nil {
		t.Fatalf("send hello: %v", err)
	}
}

func waitForAgents(t *testing.T, r *registry.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry count = %d, want %d", r.Count(), want)
}

func TestTunnel_HandshakeRegisters(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "a1", "local")
	sendHello(t, conn, "a1", "local")
	waitForAgents(t, f.registry, 1)

	entry := f.registry.Pick("local")
	if entry == nil || entry.AgentID != "a1" {
		t.Fatalf("registered entry = %+v", entry)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "test done")
	waitForAgents(t, f.registry, 0)
}

func TestTunnel_HelloMismatchClosesWithoutRegistering(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "a1", "local")
	// Embedded region disagrees with the connect parameter.
	sendHello(t, conn, "a1", "eu")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame wire.Frame
	err := wsjson.Read(ctx, conn, &frame)
	if err == nil {
		t.Fatalf("expected close, got frame %+v", frame)
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want policy violation", websocket.CloseStatus(err))
	}
	if f.registry.Count() != 0 {
		t.Fatalf("registry count = %d, want 0", f.registry.Count())
	}
}

func TestTunnel_FirstFrameMustBeHello(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "a1", "local")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, wire.Frame{
		Type:       wire.TypeTaskResult,
		TaskResult: &wire.TaskResult{TaskID: "t1", Success: true},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var frame wire.Frame
	if err := wsjson.Read(ctx, conn, &frame); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("err = %v, want policy violation close", err)
	}
	if f.registry.Count() != 0 {
		t.Fatalf("registry count = %d, want 0", f.registry.Count())
	}
}

func TestTunnel_TaskResultFinalizesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jwt, err := f.store.CreateJob(ctx, store.CreateJobRequest{
		Action: "ping", Region: "local", Targets: []string{"acct-1"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	claimed, err := f.store.ClaimNextQueued(ctx, "local")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	sub := f.broker.SubscribeJob(jwt.Job.ID)
	defer sub.Close()

	conn := f.dial(t, "a1", "local")
	defer conn.Close(websocket.StatusNormalClosure, "test done")
	sendHello(t, conn, "a1", "local")
	waitForAgents(t, f.registry, 1)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, wire.Frame{
		Type: wire.TypeTaskResult,
		TaskResult: &wire.TaskResult{
			TaskID: claimed.ID, Success: true, FinishedAt: time.Now().UTC(),
		},
	}); err != nil {
		t.Fatalf("write result: %v", err)
	}

	ev, err := sub.Next(wctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	if ev.Type != "task.finished" || ev.Payload["taskId"] != claimed.ID {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Payload["job"] != store.StatusFinished {
		t.Fatalf("event job status = %v, want FINISHED", ev.Payload["job"])
	}

	got, err := f.store.GetJob(ctx, jwt.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Job.Status != store.StatusFinished || got.Tasks[0].Status != store.StatusFinished {
		t.Fatalf("job=%s task=%s", got.Job.Status, got.Tasks[0].Status)
	}
}

func TestTunnel_UnknownTaskResultDropped(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "a1", "local")
	defer conn.Close(websocket.StatusNormalClosure, "test done")
	sendHello(t, conn, "a1", "local")
	waitForAgents(t, f.registry, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, wire.Frame{
		Type:       wire.TypeTaskResult,
		TaskResult: &wire.TaskResult{TaskID: "ffffffffffffffffffffffffffffffff", Success: true},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives an unknown task id.
	if err := wsjson.Write(ctx, conn, wire.Frame{
		Type:  wire.TypeHello,
		Hello: &wire.Hello{AgentID: "a1", Region: "local"},
	}); err != nil {
		t.Fatalf("connection died after unknown result: %v", err)
	}
	if f.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", f.registry.Count())
	}
}

func TestTunnel_DeliversEnqueuedTask(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "a1", "local")
	defer conn.Close(websocket.StatusNormalClosure, "test done")
	sendHello(t, conn, "a1", "local")
	waitForAgents(t, f.registry, 1)

	entry := f.registry.Pick("local")
	task := store.Task{
		ID: "0123456789abcdef0123456789abcdef", JobID: "job", Target: "acct-1",
		Action: "ping", Region: "local", Status: store.StatusRunning, Attempt: 1,
	}
	if !f.registry.EnqueueTask(entry, task) {
		t.Fatal("enqueue rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame wire.Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read task frame: %v", err)
	}
	if frame.Type != wire.TypeTask || frame.Task == nil || frame.Task.ID != task.ID {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestTunnel_ReconnectReplacesRegistration(t *testing.T) {
	f := newFixture(t)

	first := f.dial(t, "a1", "local")
	sendHello(t, first, "a1", "local")
	waitForAgents(t, f.registry, 1)

	second := f.dial(t, "a1", "local")
	defer second.Close(websocket.StatusNormalClosure, "test done")
	sendHello(t, second, "a1", "local")

	// Old connection goes away; the registration must survive as the
	// replacement entry.
	_ = first.Close(websocket.StatusNormalClosure, "reconnect")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry := f.registry.Pick("local")
		if entry != nil && f.registry.Count() == 1 {
			// Pending sends enqueued after the reconnect drain to the
			// new connection.
			if !f.registry.EnqueueTask(entry, store.Task{ID: "t-after-reconnect", Target: "acct"}) {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			var frame wire.Frame
			if err := wsjson.Read(ctx, second, &frame); err != nil {
				t.Fatalf("read after reconnect: %v", err)
			}
			if frame.Task == nil || frame.Task.ID != "t-after-reconnect" {
				t.Fatalf("frame = %+v", frame)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("replacement registration not observed")
}
