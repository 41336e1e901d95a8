// Package broker implements MarQS's public operations: enqueue, the two
// dequeue paths, ack, nack, replace, heartbeat, and the two concurrency
// limit setters described in spec.md §4.4. It orchestrates key building
// (internal/keys), candidate scoring and selection (internal/priority),
// and the seven atomic scripts (scripts.go) behind a small, traced surface.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marqs-io/marqs/internal/keys"
	"github.com/marqs-io/marqs/internal/metrics"
	"github.com/marqs-io/marqs/internal/priority"
	"github.com/marqs-io/marqs/internal/queue"
	"github.com/marqs-io/marqs/internal/tenant"
)

// errUnparsableMessage marks a readMessage failure caused by a message body
// that exists but doesn't decode, as opposed to a Redis-level failure. The
// requeuer treats the two differently (spec.md §4.5, §7): an unparsable
// body can never become dequeueable again, so its stale visibility entry is
// removed; a Redis error is transient and should be retried on the next
// sweep instead.
var errUnparsableMessage = errors.New("marqs: unparsable message body")

// Config bundles everything a Broker needs beyond a Redis client.
type Config struct {
	KeyPrefix string

	DefaultQueueConcurrency int
	DefaultEnvConcurrency   int
	DefaultOrgConcurrency   int

	// VisibilityTimeout is the lease duration a fresh dequeue grants.
	// Default 300s (spec.md §6).
	VisibilityTimeout time.Duration

	// SharedStrategy and EnvStrategy are separate PriorityStrategy
	// instances for the two parent-queue paths (spec.md §4.2).
	SharedStrategy priority.Strategy
	EnvStrategy    priority.Strategy

	// Resolver maps environments to organizations and tenant-configured
	// limits (internal/tenant).
	Resolver tenant.Resolver

	// Notifier wakes blocked Consume* loops as soon as Enqueue lands a
	// message, instead of making them wait out a full poll interval
	// (internal/queue). Defaults to queue.NewNoopNotifier, i.e. pure
	// polling.
	Notifier queue.Notifier
}

const (
	defaultVisibilityTimeout = 300 * time.Second
	defaultQueueConcurrency  = 10
	defaultEnvConcurrency    = 10
	defaultOrgConcurrency    = 10

	// candidateFetchGuard bounds how many candidates getRandomQueueFromParent
	// will score in one selection; NextCandidateSelection's window is
	// normally far smaller, this only guards against a misconfigured strategy.
	candidateFetchGuard = 1000
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.KeyPrefix == "" {
		out.KeyPrefix = keys.DefaultPrefix
	}
	if out.DefaultQueueConcurrency <= 0 {
		out.DefaultQueueConcurrency = defaultQueueConcurrency
	}
	if out.DefaultEnvConcurrency <= 0 {
		out.DefaultEnvConcurrency = defaultEnvConcurrency
	}
	if out.DefaultOrgConcurrency <= 0 {
		out.DefaultOrgConcurrency = defaultOrgConcurrency
	}
	if out.VisibilityTimeout <= 0 {
		out.VisibilityTimeout = defaultVisibilityTimeout
	}
	if out.SharedStrategy == nil {
		out.SharedStrategy = priority.NewSimpleWeightedChoiceStrategy(0, 0)
	}
	if out.EnvStrategy == nil {
		out.EnvStrategy = priority.NewSimpleWeightedChoiceStrategy(0, 0)
	}
	if out.Notifier == nil {
		out.Notifier = queue.NewNoopNotifier()
	}
	return out
}

// Broker is the embedded MarQS client. It holds no in-process locks and no
// mutable state (the default priority strategies keep no cursor); every
// suspension point is a round trip to Redis (spec.md §5).
type Broker struct {
	rdb    redis.UniversalClient
	keys   keys.KeyProducer
	cfg    Config
	now    func() time.Time
	newID  func() string
	logger *loggerAdapter
}

// New constructs a Broker over rdb. The caller owns rdb's lifecycle.
func New(rdb redis.UniversalClient, cfg Config) *Broker {
	resolved := cfg.withDefaults()
	return &Broker{
		rdb:    rdb,
		keys:   keys.NewDefaultKeyProducer(resolved.KeyPrefix),
		cfg:    resolved,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: newLoggerAdapter(),
	}
}

// EnqueueInput describes a message to enqueue.
type EnqueueInput struct {
	Env            string
	Org            string
	Queue          string
	ConcurrencyKey string
	// MessageID is generated with uuid.NewString when empty.
	MessageID string
	Data      json.RawMessage
	// Timestamp defaults to time.Now() when zero. It is the score used to
	// order this message within its child queue (spec.md §3).
	Timestamp time.Time
}

// Enqueue writes the message body and inserts it into its child queue,
// rebalancing the parent queue (spec.md §4.3 enqueue, §4.4 enqueue).
func (b *Broker) Enqueue(ctx context.Context, in EnqueueInput) (messageID string, err error) {
	if in.MessageID == "" {
		in.MessageID = b.newID()
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}

	ctx, span := startProducerSpan(ctx, "publish", spanAttrs{
		Env:            in.Env,
		Org:            in.Org,
		Queue:          in.Queue,
		MessageID:      in.MessageID,
		ConcurrencyKey: in.ConcurrencyKey,
	})
	defer func() { endSpan(span, err) }()

	childQueue := b.keys.QueueKey(in.Env, in.Queue, in.ConcurrencyKey)
	envParent := b.keys.EnvSharedQueueKey(in.Env)
	globalParent := b.keys.SharedQueueKey()
	messageKey := b.keys.MessageKey(in.MessageID)

	data, err := wrapWithTrace(ctx, in.Data)
	if err != nil {
		return "", fmt.Errorf("marqs: enqueue: encode trace carrier: %w", err)
	}

	payload := MessagePayload{
		Version:           currentMessageVersion,
		Data:              data,
		Queue:             childQueue,
		ConcurrencyKey:    in.ConcurrencyKey,
		Timestamp:         ts.UnixMilli(),
		MessageID:         in.MessageID,
		EnvParentQueue:    envParent,
		GlobalParentQueue: globalParent,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marqs: enqueue: encode payload: %w", err)
	}

	// Every child queue is rebalanced into BOTH the env-scoped and the
	// global parent ZSET (spec.md §3): they are independent entities, and
	// DequeueFromShared would never see this message if only the env
	// parent were maintained.
	if err = runEnqueue(ctx, b.rdb, childQueue, envParent, messageKey, globalParent, childQueue, in.MessageID, string(body), ts.UnixMilli()); err != nil {
		return "", err
	}

	metrics.IncEnqueued(in.Queue)
	b.logger.enqueued(in.MessageID, in.Queue)

	// Wake any Consume* loop blocked on either parent queue rather than
	// making it wait out its poll interval. A missed notify only costs one
	// extra poll; Redis is still the source of truth for what's due.
	if nerr := b.cfg.Notifier.Notify(ctx, sharedQueueType); nerr != nil {
		b.logger.error("enqueue: notify shared failed", "error", nerr)
	}
	if nerr := b.cfg.Notifier.Notify(ctx, envQueueType(in.Env)); nerr != nil {
		b.logger.error("enqueue: notify env failed", "error", nerr)
	}

	return in.MessageID, nil
}

// DequeueFromShared dequeues from the global parent queue (cross-tenant
// fair-share dispatch).
func (b *Broker) DequeueFromShared(ctx context.Context) (*MessagePayload, error) {
	return b.dequeue(ctx, b.keys.SharedQueueKey(), b.cfg.SharedStrategy)
}

// DequeueFromEnv dequeues from a single environment's parent queue.
func (b *Broker) DequeueFromEnv(ctx context.Context, env string) (*MessagePayload, error) {
	return b.dequeue(ctx, b.keys.EnvSharedQueueKey(env), b.cfg.EnvStrategy)
}

func (b *Broker) dequeue(ctx context.Context, parentKey string, strategy priority.Strategy) (result *MessagePayload, err error) {
	ctx, span := startConsumerSpan(ctx, "receive", spanAttrs{ParentQueue: parentKey})
	defer func() {
		if result == nil && err == nil {
			abortSpan(span)
			return
		}
		endSpan(span, err)
	}()

	childQueue, ok, err := b.getRandomQueueFromParent(ctx, parentKey, strategy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	setSpanQueueChoice(span, childQueue)

	env, queue, ck, ok := b.keys.QueueDescriptor(childQueue)
	if !ok {
		return nil, fmt.Errorf("marqs: dequeue: cannot parse queue key %q", childQueue)
	}
	org, err := b.cfg.Resolver.ResolveOrg(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("marqs: dequeue: resolve org for env %q: %w", env, err)
	}
	setSpanTenant(span, env, org)

	visibility := b.keys.VisibilityKey()
	queueLimitKey := b.keys.ConcurrencyLimitKey(env, queue, ck)
	envLimitKey := b.keys.EnvConcurrencyLimitKey(env)
	orgLimitKey := b.keys.OrgConcurrencyLimitKey(org)
	queueCurrentKey := b.keys.CurrentConcurrencyKey(env, queue, ck)
	envCurrentKey := b.keys.EnvCurrentConcurrencyKey(env)
	orgCurrentKey := b.keys.OrgCurrentConcurrencyKey(org)

	// Removing childQueue's head changes its minimum score from both
	// parents' point of view, regardless of which parent parentKey (the
	// one the candidate was drawn from) happens to be.
	envParent := b.keys.EnvSharedQueueKey(env)
	globalParent := b.keys.SharedQueueKey()

	dr, err := runDequeue(ctx, b.rdb, childQueue, envParent, globalParent, visibility,
		queueLimitKey, envLimitKey, orgLimitKey,
		queueCurrentKey, envCurrentKey, orgCurrentKey,
		childQueue, b.cfg.VisibilityTimeout.Milliseconds(), b.now().UnixMilli(),
		b.cfg.DefaultQueueConcurrency, b.cfg.DefaultEnvConcurrency, b.cfg.DefaultOrgConcurrency,
	)
	if err != nil {
		metrics.IncDequeueEmpty(queue, "script_error")
		return nil, err
	}
	if dr == nil {
		// Concurrency ceiling reached, or nothing due yet: not an error.
		metrics.IncDequeueEmpty(queue, "no_capacity_or_empty")
		return nil, nil
	}

	payload, err := b.readMessage(ctx, dr.MessageID)
	if err != nil {
		b.logger.error("read dequeued message body failed", "messageId", dr.MessageID, "error", err)
		return nil, nil
	}
	if payload == nil {
		b.logger.error("dequeued message body missing", "messageId", dr.MessageID)
		return nil, nil
	}

	if _, unwrapped, unwrapErr := unwrapTrace(ctx, payload.Data); unwrapErr == nil {
		payload.Data = unwrapped
	} else {
		b.logger.error("unwrap trace context failed", "messageId", dr.MessageID, "error", unwrapErr)
	}

	setSpanMessageID(span, dr.MessageID)
	metrics.IncDequeued(queue)
	b.logger.dequeued(dr.MessageID, queue)
	return payload, nil
}

// getRandomQueueFromParent asks strategy for a candidate window, scores
// each candidate via computeCapacities, and asks strategy to choose one.
func (b *Broker) getRandomQueueFromParent(ctx context.Context, parentKey string, strategy priority.Strategy) (string, bool, error) {
	sel, err := strategy.NextCandidateSelection(ctx, parentKey)
	if err != nil {
		return "", false, fmt.Errorf("marqs: candidate selection: %w", err)
	}
	lo, hi := sel.Lo, sel.Hi
	if hi-lo > candidateFetchGuard {
		hi = lo + candidateFetchGuard
	}

	members, err := b.rdb.ZRangeWithScores(ctx, parentKey, lo, hi).Result()
	if err != nil {
		return "", false, fmt.Errorf("marqs: read parent window: %w", err)
	}
	if len(members) == 0 {
		return "", false, nil
	}

	candidates := make([]priority.Candidate, 0, len(members))
	for _, m := range members {
		queueKey, ok := m.Member.(string)
		if !ok {
			continue
		}
		env, queue, ck, ok := b.keys.QueueDescriptor(queueKey)
		if !ok {
			continue
		}
		org, err := b.cfg.Resolver.ResolveOrg(ctx, env)
		if err != nil {
			b.logger.error("resolve org for candidate failed", "queue", queueKey, "error", err)
			continue
		}
		caps, err := runComputeCapacities(ctx, b.rdb,
			b.keys.CurrentConcurrencyKey(env, queue, ck),
			b.keys.EnvCurrentConcurrencyKey(env),
			b.keys.OrgCurrentConcurrencyKey(org),
			b.keys.ConcurrencyLimitKey(env, queue, ck),
			b.keys.EnvConcurrencyLimitKey(env),
			b.keys.OrgConcurrencyLimitKey(org),
			b.cfg.DefaultQueueConcurrency, b.cfg.DefaultEnvConcurrency, b.cfg.DefaultOrgConcurrency,
		)
		if err != nil {
			return "", false, err
		}
		candidates = append(candidates, priority.Candidate{
			QueueKey:     queueKey,
			Score:        m.Score,
			QueueCurrent: caps.QueueCurrent, QueueLimit: caps.QueueLimit,
			EnvCurrent: caps.EnvCurrent, EnvLimit: caps.EnvLimit,
			OrgCurrent: caps.OrgCurrent, OrgLimit: caps.OrgLimit,
		})
	}

	chosen, ok := strategy.ChooseQueue(ctx, candidates, parentKey, sel.SelectionID)
	return chosen, ok, nil
}

func (b *Broker) readMessage(ctx context.Context, messageID string) (*MessagePayload, error) {
	raw, err := b.rdb.Get(ctx, b.keys.MessageKey(messageID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("marqs: read message body: %w", err)
	}
	var payload MessagePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("marqs: parse message body: %w: %w", errUnparsableMessage, err)
	}
	return &payload, nil
}

// Ack acknowledges successful processing of messageID: the message body is
// deleted and the id is removed from the visibility set and all three
// concurrency sets. Acking an unknown id is a no-op, never an error.
func (b *Broker) Ack(ctx context.Context, messageID string) (err error) {
	ctx, span := startConsumerSpan(ctx, "ack", spanAttrs{MessageID: messageID})
	defer func() { endSpan(span, err) }()

	payload, readErr := b.readMessage(ctx, messageID)
	if readErr != nil {
		b.logger.error("ack: read message body failed", "messageId", messageID, "error", readErr)
	}
	if payload == nil {
		// Already acked/unknown: no-op per spec.md 7.
		return nil
	}
	setSpanQueueChoice(span, payload.Queue)

	env, queue, ck, _ := b.keys.QueueDescriptor(payload.Queue)
	org, err := b.cfg.Resolver.ResolveOrg(ctx, env)
	if err != nil {
		return fmt.Errorf("marqs: ack: resolve org for env %q: %w", env, err)
	}
	setSpanTenant(span, env, org)

	if err = runAck(ctx, b.rdb,
		b.keys.MessageKey(messageID),
		b.keys.VisibilityKey(),
		b.keys.CurrentConcurrencyKey(env, queue, ck),
		b.keys.EnvCurrentConcurrencyKey(env),
		b.keys.OrgCurrentConcurrencyKey(org),
		b.keys.GlobalCurrentConcurrencyKey(), // accepted, unused (spec.md §9)
		messageID,
	); err != nil {
		return err
	}
	metrics.IncAcked(queue)
	b.logger.acked(messageID, queue)
	return nil
}

// Nack returns messageID to its queue, visible again at retryAt (default
// now, i.e. immediate redelivery eligibility). Nacking a message that has
// already been acked or nacked by a concurrent caller is a no-op.
func (b *Broker) Nack(ctx context.Context, messageID string, retryAt ...time.Time) (err error) {
	retryAtMs := b.now()
	if len(retryAt) > 0 {
		retryAtMs = retryAt[0]
	}

	ctx, span := startConsumerSpan(ctx, "nack", spanAttrs{MessageID: messageID})
	defer func() { endSpan(span, err) }()

	payload, readErr := b.readMessage(ctx, messageID)
	if readErr != nil {
		b.logger.error("nack: read message body failed", "messageId", messageID, "error", readErr)
	}
	if payload == nil {
		return nil
	}
	setSpanQueueChoice(span, payload.Queue)

	env, queue, ck, _ := b.keys.QueueDescriptor(payload.Queue)
	org, err := b.cfg.Resolver.ResolveOrg(ctx, env)
	if err != nil {
		return fmt.Errorf("marqs: nack: resolve org for env %q: %w", env, err)
	}
	setSpanTenant(span, env, org)

	won, err := runNack(ctx, b.rdb,
		b.keys.MessageKey(messageID),
		payload.Queue,
		payload.EnvParentQueue,
		payload.GlobalParentQueue,
		b.keys.CurrentConcurrencyKey(env, queue, ck),
		b.keys.EnvCurrentConcurrencyKey(env),
		b.keys.OrgCurrentConcurrencyKey(org),
		b.keys.VisibilityKey(),
		payload.Queue, messageID, retryAtMs.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if won {
		metrics.IncNacked(queue)
		b.logger.nacked(messageID, queue, retryAtMs)
	}
	return nil
}

// Replace rewrites messageID's body in place: semantically ack-then-enqueue
// with the same id, queue, parent queue, and concurrency key. It is not
// atomic (spec.md §4.4, §9 open questions): a crash between the two steps
// loses the message. newTimestamp defaults to now.
func (b *Broker) Replace(ctx context.Context, messageID string, newData json.RawMessage, newTimestamp ...time.Time) (err error) {
	ctx, span := startProducerSpan(ctx, "replace", spanAttrs{MessageID: messageID})
	defer func() { endSpan(span, err) }()

	payload, readErr := b.readMessage(ctx, messageID)
	if readErr != nil {
		return fmt.Errorf("marqs: replace: read message body: %w", readErr)
	}
	if payload == nil {
		return fmt.Errorf("marqs: replace: unknown message id %q", messageID)
	}
	env, queue, ck, _ := b.keys.QueueDescriptor(payload.Queue)
	setSpanQueueChoice(span, payload.Queue)

	ts := b.now()
	if len(newTimestamp) > 0 {
		ts = newTimestamp[0]
	}

	if err = b.Ack(ctx, messageID); err != nil {
		return fmt.Errorf("marqs: replace: ack step: %w", err)
	}
	if _, err = b.Enqueue(ctx, EnqueueInput{
		Env: env, Queue: queue, ConcurrencyKey: ck,
		MessageID: messageID, Data: newData, Timestamp: ts,
	}); err != nil {
		return fmt.Errorf("marqs: replace: enqueue step: %w", err)
	}
	return nil
}

// Heartbeat extends messageID's visibility deadline by extensionSeconds
// (default 30s), clamped to now + the broker's configured visibility
// timeout. Heartbeating an unknown or already-settled id is a no-op.
func (b *Broker) Heartbeat(ctx context.Context, messageID string, extensionSeconds ...int) (err error) {
	seconds := 30
	if len(extensionSeconds) > 0 && extensionSeconds[0] > 0 {
		seconds = extensionSeconds[0]
	}
	extensionMs := int64(seconds) * 1000
	maxDeadlineMs := b.now().Add(b.cfg.VisibilityTimeout).UnixMilli()

	extended, err := runHeartbeat(ctx, b.rdb, b.keys.VisibilityKey(), messageID, extensionMs, maxDeadlineMs)
	if err != nil {
		return err
	}
	if extended {
		metrics.IncHeartbeats()
	}
	return nil
}

// UpdateQueueConcurrencyLimit sets the concurrency limit for (env, queue).
func (b *Broker) UpdateQueueConcurrencyLimit(ctx context.Context, env, queue string, limit int) error {
	key := b.keys.ConcurrencyLimitKey(env, queue, "")
	if err := b.rdb.Set(ctx, key, limit, 0).Err(); err != nil {
		return fmt.Errorf("marqs: update queue concurrency limit: %w", err)
	}
	return nil
}

// UpdateEnvConcurrencyLimits pulls env's and its organization's configured
// limits from the tenant resolver and writes them atomically.
func (b *Broker) UpdateEnvConcurrencyLimits(ctx context.Context, env string) error {
	org, err := b.cfg.Resolver.ResolveOrg(ctx, env)
	if err != nil {
		return fmt.Errorf("marqs: update env concurrency limits: resolve org: %w", err)
	}
	envLimit, err := b.cfg.Resolver.EnvLimit(ctx, env)
	if err != nil {
		return fmt.Errorf("marqs: update env concurrency limits: env limit: %w", err)
	}
	orgLimit, err := b.cfg.Resolver.OrgLimit(ctx, org)
	if err != nil {
		return fmt.Errorf("marqs: update env concurrency limits: org limit: %w", err)
	}
	return runUpdateGlobalLimits(ctx, b.rdb, b.keys.EnvConcurrencyLimitKey(env), b.keys.OrgConcurrencyLimitKey(org), envLimit, orgLimit)
}
