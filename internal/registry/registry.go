// Package registry tracks connected agents and owns each agent's outbound
// send queue. An entry lives exactly as long as its tunnel; a reconnect by
// the same agent id replaces the prior entry.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetrelay/controlplane/internal/queue"
	"github.com/fleetrelay/controlplane/internal/store"
	"github.com/fleetrelay/controlplane/internal/wire"
)

const sendQueueSize = 1024

// Transport writes one frame to the agent's duplex connection. A failed
// send is terminal for the connection; the tunnel handles teardown.
type Transport interface {
	Send(ctx context.Context, f wire.Frame) error
}

// Entry is one connected agent: its declared identity plus the send queue
// the dispatcher enqueues into.
type Entry struct {
	AgentID      string            `json:"agentId"`
	Region       string            `json:"region"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	ConnectedAt  time.Time         `json:"connectedAt"`

	sendQueue *queue.Ring[wire.Frame]
	done      chan struct{}
}

// Done is closed when the entry's send worker exits.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Registry is the in-memory map of connected agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Entry
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Entry),
		logger: logger,
	}
}

// Register inserts an entry for the agent described by hello, replacing
// any prior entry for the same id, and starts a send worker that drains
// the entry's queue onto tr. The worker exits when ctx is canceled, the
// entry is unregistered, or a send fails.
func (r *Registry) Register(ctx context.Context, hello wire.Hello, tr Transport) *Entry {
	entry := &Entry{
		AgentID:      hello.AgentID,
		Region:       hello.Region,
		Capabilities: hello.Capabilities,
		Meta:         hello.Meta,
		ConnectedAt:  time.Now().UTC(),
		sendQueue:    queue.NewRing[wire.Frame](sendQueueSize),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	prior := r.agents[hello.AgentID]
	r.agents[hello.AgentID] = entry
	r.mu.Unlock()

	if prior != nil {
		// Reconnect replaces the prior registration; its stale worker
		// winds down on its own once its queue closes.
		prior.sendQueue.Close()
		r.logger.Info("agent replaced", "agent_id", hello.AgentID, "region", hello.Region)
	}

	go r.sendWorker(ctx, entry, tr)
	return entry
}

func (r *Registry) sendWorker(ctx context.Context, entry *Entry, tr Transport) {
	defer close(entry.done)
	for {
		frame, err := entry.sendQueue.Next(ctx)
		if err != nil {
			return
		}
		if err := tr.Send(ctx, frame); err != nil {
			r.logger.Warn("agent send failed", "agent_id", entry.AgentID, "error", err)
			return
		}
	}
}

// Unregister removes entry from the map. It only removes the exact entry
// it is handed, so a stale tunnel tearing down after a reconnect cannot
// evict the replacement. Idempotent.
func (r *Registry) Unregister(entry *Entry) {
	if entry == nil {
		return
	}
	r.mu.Lock()
	if r.agents[entry.AgentID] == entry {
		delete(r.agents, entry.AgentID)
	}
	r.mu.Unlock()
	entry.sendQueue.Close()
}

// List returns the connected entries sorted by region then agent id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Region != entries[j].Region {
			return entries[i].Region < entries[j].Region
		}
		return entries[i].AgentID < entries[j].AgentID
	})
	return entries
}

// Regions returns the distinct sorted regions with at least one agent.
func (r *Registry) Regions() []string {
	r.mu.RLock()
	seen := map[string]struct{}{}
	for _, e := range r.agents {
		seen[e.Region] = struct{}{}
	}
	r.mu.RUnlock()

	regions := make([]string, 0, len(seen))
	for region := range seen {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// Pick returns the agent in region with the lexicographically smallest id,
// or nil. Deterministic by contract; the narrow signature leaves room for
// a round-robin or load-aware policy later.
func (r *Registry) Pick(region string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Entry
	for _, e := range r.agents {
		if e.Region != region {
			continue
		}
		if best == nil || e.AgentID < best.AgentID {
			best = e
		}
	}
	return best
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// EnqueueTask queues a task frame for delivery. Under the drop-oldest
// policy this only reports false once the entry has been unregistered.
func (r *Registry) EnqueueTask(entry *Entry, task store.Task) bool {
	return entry.sendQueue.Push(wire.TaskFrame(task))
}
