package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marqs-io/marqs/internal/tenant"
)

// newTestRedisClient creates a Redis client for testing, against a
// dedicated logical database so broker tests never collide with a
// developer's real keyspace. Tests are skipped when Redis isn't reachable.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(context.Background()); client.Close() })
	return client
}

func newTestBroker(t *testing.T, rdb redis.UniversalClient, resolver tenant.Resolver) *Broker {
	t.Helper()
	return New(rdb, Config{
		KeyPrefix:               "marqstest:",
		DefaultQueueConcurrency: 10,
		DefaultEnvConcurrency:   10,
		DefaultOrgConcurrency:   10,
		VisibilityTimeout:       5 * time.Second,
		Resolver:                resolver,
	})
}

func staticResolver(env, org string) *tenant.StaticResolver {
	r := tenant.NewStaticResolver(10, 10)
	r.SetEnvOrg(env, org)
	return r
}

// Basic FIFO: messages enqueued in order to the same queue dequeue in the
// same order.
func TestBroker_BasicFIFO(t *testing.T) {
	rdb := newTestRedisClient(t)
	b := newTestBroker(t, rdb, staticResolver("staging", "acme"))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Enqueue(ctx, EnqueueInput{
			Env: "staging", Org: "acme", Queue: "emails",
			Data: json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond) // force distinct timestamps
	}

	for i, want := range ids {
		msg, err := b.DequeueFromEnv(ctx, "staging")
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if msg == nil {
			t.Fatalf("dequeue %d: expected a message, got none", i)
		}
		if msg.MessageID != want {
			t.Fatalf("dequeue %d: got id %s, want %s (FIFO violated)", i, msg.MessageID, want)
		}
	}

	if msg, err := b.DequeueFromEnv(ctx, "staging"); err != nil || msg != nil {
		t.Fatalf("expected empty queue, got msg=%v err=%v", msg, err)
	}
}

// Visibility redelivery: a dequeued-but-unacked message becomes eligible for
// redelivery once its visibility timeout lapses, and the Requeuer restores
// it to its original queue.
func TestBroker_VisibilityRedelivery(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := New(rdb, Config{
		KeyPrefix:               "marqstest:",
		DefaultQueueConcurrency: 10,
		DefaultEnvConcurrency:   10,
		DefaultOrgConcurrency:   10,
		VisibilityTimeout:       50 * time.Millisecond,
		Resolver:                resolver,
	})
	ctx := context.Background()

	id, err := b.Enqueue(ctx, EnqueueInput{Env: "staging", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}
	if msg.MessageID != id {
		t.Fatalf("dequeued wrong message: got %s want %s", msg.MessageID, id)
	}

	// Immediately re-dequeuing must find nothing: the lease hasn't expired
	// and the queue concurrency slot is held.
	if again, err := b.DequeueFromEnv(ctx, "staging"); err != nil || again != nil {
		t.Fatalf("expected no redelivery before lease expiry, got msg=%v err=%v", again, err)
	}

	time.Sleep(100 * time.Millisecond)

	requeuer := NewRequeuer(b, RequeuerConfig{Workers: 1, PollInterval: 10 * time.Millisecond, BatchSize: 10})
	requeuer.sweepOnce(ctx)

	redelivered, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if redelivered == nil {
		t.Fatal("expected the expired lease to be redelivered")
	}
	if redelivered.MessageID != id {
		t.Fatalf("redelivered wrong message: got %s want %s", redelivered.MessageID, id)
	}
}

// Heartbeat extension: heartbeating a held lease pushes its deadline out so
// the requeuer does not reclaim it early.
func TestBroker_HeartbeatExtendsLease(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := New(rdb, Config{
		KeyPrefix:               "marqstest:",
		DefaultQueueConcurrency: 10,
		DefaultEnvConcurrency:   10,
		DefaultOrgConcurrency:   10,
		VisibilityTimeout:       200 * time.Millisecond,
		Resolver:                resolver,
	})
	ctx := context.Background()

	id, err := b.Enqueue(ctx, EnqueueInput{Env: "staging", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}

	before, err := rdb.ZScore(ctx, b.keys.VisibilityKey(), id).Result()
	if err != nil {
		t.Fatalf("read lease deadline: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := b.Heartbeat(ctx, id, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// The 1s extension is clamped to now + the 200ms visibility timeout, so
	// the deadline moves from about dequeue+200ms to about dequeue+260ms.
	after, err := rdb.ZScore(ctx, b.keys.VisibilityKey(), id).Result()
	if err != nil {
		t.Fatalf("read extended lease deadline: %v", err)
	}
	if after <= before {
		t.Fatalf("heartbeat did not extend the lease: deadline %v -> %v", before, after)
	}

	// Sweeping now, with the extended deadline still in the future, must
	// not reclaim the message.
	requeuer := NewRequeuer(b, RequeuerConfig{Workers: 1, PollInterval: 10 * time.Millisecond, BatchSize: 10})
	requeuer.sweepOnce(ctx)

	if again, err := b.DequeueFromEnv(ctx, "staging"); err != nil || again != nil {
		t.Fatalf("expected heartbeated lease to survive sweep, got msg=%v err=%v", again, err)
	}
}

// Concurrency cap: a queue configured with a concurrency limit of 1 never
// dispatches a second message until the first is settled.
func TestBroker_ConcurrencyCap(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := newTestBroker(t, rdb, resolver)
	ctx := context.Background()

	if err := b.UpdateQueueConcurrencyLimit(ctx, "staging", "jobs", 1); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	id1, err := b.Enqueue(ctx, EnqueueInput{Env: "staging", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	time.Sleep(2 * time.Millisecond) // force distinct timestamps
	if _, err := b.Enqueue(ctx, EnqueueInput{Env: "staging", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	first, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil || first == nil {
		t.Fatalf("first dequeue: msg=%v err=%v", first, err)
	}
	if first.MessageID != id1 {
		t.Fatalf("unexpected first message: %s", first.MessageID)
	}

	if second, err := b.DequeueFromEnv(ctx, "staging"); err != nil || second != nil {
		t.Fatalf("expected concurrency cap to block second dequeue, got msg=%v err=%v", second, err)
	}

	if err := b.Ack(ctx, id1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	second, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil || second == nil {
		t.Fatalf("after ack, expected second message, got msg=%v err=%v", second, err)
	}
}

// Nack backoff: a nacked message becomes eligible for redelivery once its
// retryAt time has passed, not before.
func TestBroker_NackBackoff(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := newTestBroker(t, rdb, resolver)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, EnqueueInput{Env: "staging", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}

	retryAt := time.Now().Add(100 * time.Millisecond)
	if err := b.Nack(ctx, id, retryAt); err != nil {
		t.Fatalf("nack: %v", err)
	}

	if again, err := b.DequeueFromEnv(ctx, "staging"); err != nil || again != nil {
		t.Fatalf("expected backoff to delay redelivery, got msg=%v err=%v", again, err)
	}

	time.Sleep(150 * time.Millisecond)

	redelivered, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if redelivered == nil || redelivered.MessageID != id {
		t.Fatalf("expected %s redelivered after backoff, got %v", id, redelivered)
	}
}

// Replace preserves identity: Replace keeps the same message id, queue, and
// concurrency key while swapping the body.
func TestBroker_ReplacePreservesIdentity(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := staticResolver("staging", "acme")
	b := newTestBroker(t, rdb, resolver)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, EnqueueInput{
		Env: "staging", Org: "acme", Queue: "jobs", ConcurrencyKey: "tenant-1",
		Data: json.RawMessage(`{"v":1}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := b.Replace(ctx, id, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}

	msg, err := b.DequeueFromEnv(ctx, "staging")
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}
	if msg.MessageID != id {
		t.Fatalf("replace changed message id: got %s want %s", msg.MessageID, id)
	}
	if msg.ConcurrencyKey != "tenant-1" {
		t.Fatalf("replace lost concurrency key: got %q", msg.ConcurrencyKey)
	}
	if string(msg.Data) != `{"v":2}` {
		t.Fatalf("replace did not update body: got %s", msg.Data)
	}
}

// Ack and Nack on an unknown message id are no-ops, not errors: settling a
// message twice (e.g. a duplicate ack from a retried network call) must
// never surface as a caller-visible failure.
func TestBroker_AckNackUnknownIsNoop(t *testing.T) {
	rdb := newTestRedisClient(t)
	b := newTestBroker(t, rdb, staticResolver("staging", "acme"))
	ctx := context.Background()

	if err := b.Ack(ctx, "does-not-exist"); err != nil {
		t.Fatalf("ack of unknown id should be a no-op, got: %v", err)
	}
	if err := b.Nack(ctx, "does-not-exist"); err != nil {
		t.Fatalf("nack of unknown id should be a no-op, got: %v", err)
	}
}

// Shared dequeue draws fairly across environments rather than starving one.
func TestBroker_DequeueFromSharedCrossesEnvironments(t *testing.T) {
	rdb := newTestRedisClient(t)
	resolver := tenant.NewStaticResolver(10, 10)
	resolver.SetEnvOrg("env-a", "acme")
	resolver.SetEnvOrg("env-b", "acme")
	b := newTestBroker(t, rdb, resolver)
	ctx := context.Background()

	idA, err := b.Enqueue(ctx, EnqueueInput{Env: "env-a", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue env-a: %v", err)
	}
	idB, err := b.Enqueue(ctx, EnqueueInput{Env: "env-b", Org: "acme", Queue: "jobs", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue env-b: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := b.DequeueFromShared(ctx)
		if err != nil || msg == nil {
			t.Fatalf("dequeue %d: msg=%v err=%v", i, msg, err)
		}
		seen[msg.MessageID] = true
	}
	if !seen[idA] || !seen[idB] {
		t.Fatalf("expected both environments' messages to be dispatched, saw %v", seen)
	}
}
