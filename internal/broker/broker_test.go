package broker

import (
	"context"
	"testing"
	"time"
)

func nextJob(t *testing.T, sub *Subscription[JobEvent]) JobEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func TestPublishJob_FanOut(t *testing.T) {
	b := New()
	sub1 := b.SubscribeJob("job-1")
	defer sub1.Close()
	sub2 := b.SubscribeJob("job-1")
	defer sub2.Close()
	other := b.SubscribeJob("job-2")
	defer other.Close()

	b.PublishJob("job-1", "task.dispatched", map[string]any{"taskId": "t1"})

	for _, sub := range []*Subscription[JobEvent]{sub1, sub2} {
		ev := nextJob(t, sub)
		if ev.Type != "task.dispatched" || ev.JobID != "job-1" {
			t.Fatalf("event = %+v", ev)
		}
		if len(ev.ID) != 32 {
			t.Fatalf("event id = %q, want 32 hex chars", ev.ID)
		}
		if ev.Payload["taskId"] != "t1" {
			t.Fatalf("payload = %v", ev.Payload)
		}
	}

	// job-2 subscriber saw nothing.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, err := other.Next(ctx); err == nil {
		t.Fatalf("unexpected event on job-2: %+v", ev)
	}
}

func TestPublishJob_NoSubscribersDiscards(t *testing.T) {
	b := New()
	// Neither an empty job id nor an unknown one allocates anything.
	b.PublishJob("", "agent.connected", nil)
	b.PublishJob("job-x", "task.dispatched", nil)
	if n := b.JobSubscriberCount("job-x"); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
}

func TestPublishOrdering(t *testing.T) {
	b := New()
	sub := b.SubscribeJob("job-1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.PublishJob("job-1", "task.dispatched", map[string]any{"seq": i})
	}
	for i := 0; i < 10; i++ {
		ev := nextJob(t, sub)
		if ev.Payload["seq"] != i {
			t.Fatalf("event %d has seq %v", i, ev.Payload["seq"])
		}
	}
}

func TestBackpressure_DropsOldest(t *testing.T) {
	b := New()
	sub := b.SubscribeJob("job-1")
	defer sub.Close()

	// 257 events into a 256-slot buffer: event #1 is evicted, the first
	// read yields event #2.
	for i := 1; i <= subscriberBufferSize+1; i++ {
		b.PublishJob("job-1", "task.dispatched", map[string]any{"seq": i})
	}
	ev := nextJob(t, sub)
	if ev.Payload["seq"] != 2 {
		t.Fatalf("first event after overflow has seq %v, want 2", ev.Payload["seq"])
	}
}

func TestSessionWildcard(t *testing.T) {
	b := New()
	acct := b.SubscribeSession("alice")
	defer acct.Close()
	wild := b.SubscribeSession(WildcardKey)
	defer wild.Close()

	b.PublishSession("alice", "session.state", "LoggedOn", "")
	b.PublishSession("bob", "session.state", "Disconnected", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := acct.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.AccountName != "alice" || ev.State != "LoggedOn" {
		t.Fatalf("event = %+v", ev)
	}

	// Wildcard sees both accounts.
	for _, want := range []string{"alice", "bob"} {
		ev, err := wild.Next(ctx)
		if err != nil {
			t.Fatalf("wildcard next: %v", err)
		}
		if ev.AccountName != want {
			t.Fatalf("wildcard account = %s, want %s", ev.AccountName, want)
		}
	}

	// alice's subscriber never sees bob.
	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if ev, err := acct.Next(short); err == nil {
		t.Fatalf("unexpected cross-account event: %+v", ev)
	}
}

func TestAuthChallengeFanOut(t *testing.T) {
	b := New()
	sub := b.SubscribeAuthChallenge("alice")
	defer sub.Close()

	b.PublishAuthChallenge("alice", "email", "code sent", "job-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.ChallengeType != "email" || ev.JobID != "job-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSubscriptionClose_RemovesKey(t *testing.T) {
	b := New()
	sub := b.SubscribeJob("job-1")
	if n := b.JobSubscriberCount("job-1"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	sub.Close()
	sub.Close() // idempotent
	if n := b.JobSubscriberCount("job-1"); n != 0 {
		t.Fatalf("count after close = %d, want 0", n)
	}

	// Publishing after close is a silent discard.
	b.PublishJob("job-1", "task.finished", nil)
}
