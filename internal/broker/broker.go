// Package broker is the in-process event fan-out for the three topic
// spaces: per-job events, per-account session events, and per-account auth
// challenges. Events are ephemeral: never persisted, never replayed,
// delivered at-most-once to subscribers connected at publish time.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/fleetrelay/controlplane/internal/idgen"
	otelpkg "github.com/fleetrelay/controlplane/internal/otel"
	"github.com/fleetrelay/controlplane/internal/queue"
)

// WildcardKey subscribes to session or auth-challenge events for every
// account. Job events have no wildcard.
const WildcardKey = "all"

const subscriberBufferSize = 256

// JobEvent is published on a job's topic as it moves through dispatch.
type JobEvent struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SessionEvent reports a state change on an account's backend session.
type SessionEvent struct {
	ID          string    `json:"id"`
	AccountName string    `json:"accountName"`
	EventType   string    `json:"eventType"`
	State       string    `json:"state,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AuthChallengeEvent reports an interactive authentication challenge for an
// account, optionally tied to the job that triggered it.
type AuthChallengeEvent struct {
	ID            string    `json:"id"`
	AccountName   string    `json:"accountName"`
	ChallengeType string    `json:"challengeType"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	JobID         string    `json:"jobId,omitempty"`
}

// Subscription yields events for one topic key until Close. The buffer
// holds 256 events and evicts the oldest on overflow, so a slow reader
// loses history but never blocks a publisher.
type Subscription[T any] struct {
	ring  *queue.Ring[T]
	close func()
	once  sync.Once
}

// Next blocks until an event is available, the subscription is closed, or
// ctx is canceled.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	return s.ring.Next(ctx)
}

// Close detaches the subscription from its topic key. Idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(s.close)
}

type topic[T any] struct {
	mu   sync.RWMutex
	subs map[string][]*queue.Ring[T]
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: map[string][]*queue.Ring[T]{}}
}

func (t *topic[T]) subscribe(key string) *Subscription[T] {
	ring := queue.NewRing[T](subscriberBufferSize)
	t.mu.Lock()
	t.subs[key] = append(t.subs[key], ring)
	t.mu.Unlock()

	return &Subscription[T]{
		ring: ring,
		close: func() {
			t.mu.Lock()
			rings := t.subs[key]
			for i, r := range rings {
				if r == ring {
					t.subs[key] = append(rings[:i], rings[i+1:]...)
					break
				}
			}
			if len(t.subs[key]) == 0 {
				delete(t.subs, key)
			}
			t.mu.Unlock()
			ring.Close()
		},
	}
}

// publish fans out to every subscriber of each key. Keys with no
// subscribers cost one map lookup and nothing else.
func (t *topic[T]) publish(ev T, keys ...string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, key := range keys {
		for _, ring := range t.subs[key] {
			ring.Push(ev)
		}
	}
}

func (t *topic[T]) subscriberCount(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[key])
}

// Broker owns the three topic spaces. Publishers never block and never
// fail; events on a key are observed in publish order absent overflow
// drops. Cross-key ordering is not guaranteed.
type Broker struct {
	jobs     *topic[JobEvent]
	sessions *topic[SessionEvent]
	auth     *topic[AuthChallengeEvent]
	metrics  *otelpkg.Metrics
}

// Option customizes a Broker.
type Option func(*Broker)

// WithMetrics counts every publish on the events-published instrument.
func WithMetrics(m *otelpkg.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		jobs:     newTopic[JobEvent](),
		sessions: newTopic[SessionEvent](),
		auth:     newTopic[AuthChallengeEvent](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) countPublish() {
	if b.metrics != nil {
		b.metrics.EventsPublished.Add(context.Background(), 1)
	}
}

// PublishJob fans a job event out to that job's subscribers. An empty job
// id, or a job id nobody subscribes to, is discarded silently.
func (b *Broker) PublishJob(jobID, eventType string, payload map[string]any) {
	if jobID == "" {
		return
	}
	b.countPublish()
	b.jobs.publish(JobEvent{
		ID:        idgen.New(),
		JobID:     jobID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, jobID)
}

// PublishSession fans a session event out to the account's subscribers and
// to wildcard subscribers.
func (b *Broker) PublishSession(accountName, eventType, state, message string) {
	b.countPublish()
	b.sessions.publish(SessionEvent{
		ID:          idgen.New(),
		AccountName: accountName,
		EventType:   eventType,
		State:       state,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}, accountName, WildcardKey)
}

// PublishAuthChallenge fans an auth challenge out to the account's
// subscribers and to wildcard subscribers.
func (b *Broker) PublishAuthChallenge(accountName, challengeType, message, jobID string) {
	b.countPublish()
	b.auth.publish(AuthChallengeEvent{
		ID:            idgen.New(),
		AccountName:   accountName,
		ChallengeType: challengeType,
		Message:       message,
		Timestamp:     time.Now().UTC(),
		JobID:         jobID,
	}, accountName, WildcardKey)
}

// SubscribeJob registers for one job's events.
func (b *Broker) SubscribeJob(jobID string) *Subscription[JobEvent] {
	return b.jobs.subscribe(jobID)
}

// SubscribeSession registers for one account's session events, or all
// accounts with WildcardKey.
func (b *Broker) SubscribeSession(accountName string) *Subscription[SessionEvent] {
	return b.sessions.subscribe(accountName)
}

// SubscribeAuthChallenge registers for one account's auth challenges, or
// all accounts with WildcardKey.
func (b *Broker) SubscribeAuthChallenge(accountName string) *Subscription[AuthChallengeEvent] {
	return b.auth.subscribe(accountName)
}

// JobSubscriberCount reports how many subscribers a job key has.
func (b *Broker) JobSubscriberCount(jobID string) int {
	return b.jobs.subscriberCount(jobID)
}
