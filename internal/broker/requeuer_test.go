package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRequeuer_StartStopIsIdempotent(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := newTestBroker(t, rdb, resolver)

	r := NewRequeuer(b, RequeuerConfig{Workers: 2, PollInterval: 5 * time.Millisecond, BatchSize: 10})
	ctx := context.Background()

	r.Start(ctx)
	r.Start(ctx) // no-op: already running

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(); err != nil { // no-op: already stopped
		t.Fatalf("second stop: %v", err)
	}
}

func TestRequeuer_SweepRedeliversAcrossWorkers(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := New(rdb, Config{
		KeyPrefix:               "marqstest:",
		DefaultQueueConcurrency: 10,
		DefaultEnvConcurrency:   10,
		DefaultOrgConcurrency:   10,
		VisibilityTimeout:       20 * time.Millisecond,
		Resolver:                resolver,
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := b.Enqueue(ctx, EnqueueInput{Env: "staging", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
		if _, err := b.DequeueFromEnv(ctx, "staging"); err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
	}

	time.Sleep(40 * time.Millisecond)

	r := NewRequeuer(b, RequeuerConfig{Workers: 2, PollInterval: 5 * time.Millisecond, BatchSize: 2})
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	redelivered := map[string]bool{}
	for len(redelivered) < len(ids) && time.Now().Before(deadline) {
		msg, err := b.DequeueFromEnv(ctx, "staging")
		if err != nil {
			t.Fatalf("dequeue during sweep: %v", err)
		}
		if msg != nil {
			redelivered[msg.MessageID] = true
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, id := range ids {
		if !redelivered[id] {
			t.Fatalf("message %s was never redelivered by the requeuer", id)
		}
	}
}
