package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/marqs-io/marqs/internal/metrics"
)

// RequeuerConfig configures the background visibility-timeout sweep.
type RequeuerConfig struct {
	// Workers is the number of independent sweep goroutines. Default 1;
	// more than one only helps once a single sweep can't keep the
	// visibility ZSET's expired head drained within PollInterval.
	Workers int
	// PollInterval is how often each worker sweeps for expired leases.
	// Default 1000ms.
	PollInterval time.Duration
	// BatchSize bounds how many expired messages a single sweep claims.
	// Default 10.
	BatchSize int64
}

const (
	defaultRequeuerWorkers      = 1
	defaultRequeuerPollInterval = 1000 * time.Millisecond
	defaultRequeuerBatchSize    = 10
)

func (c RequeuerConfig) withDefaults() RequeuerConfig {
	if c.Workers <= 0 {
		c.Workers = defaultRequeuerWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRequeuerPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRequeuerBatchSize
	}
	return c
}

// Requeuer sweeps the global visibility-timeout ZSET for leases that lapsed
// without an ack, and nacks them back into their original queue at their
// original enqueue score so redelivery doesn't jump the line ahead of
// messages that were already waiting (spec.md §4.5).
type Requeuer struct {
	b      *Broker
	cfg    RequeuerConfig
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRequeuer builds a Requeuer bound to b. Call Start to launch its
// workers and Stop to tear them down.
func NewRequeuer(b *Broker, cfg RequeuerConfig) *Requeuer {
	return &Requeuer{b: b, cfg: cfg.withDefaults()}
}

// Start launches the configured number of sweep workers. Calling Start
// twice without an intervening Stop is a no-op.
func (r *Requeuer) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	r.group = g

	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			r.sweepLoop(gctx)
			return nil
		})
	}
}

// Stop cancels all sweep workers and waits for them to return.
func (r *Requeuer) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	r.cancel = nil
	r.group = nil
	return err
}

func (r *Requeuer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// sweepOnce claims up to BatchSize expired leases and nacks each back into
// its queue. Errors for one message are logged and do not stop the sweep
// from continuing to the next.
func (r *Requeuer) sweepOnce(ctx context.Context) {
	b := r.b
	nowMs := b.now().UnixMilli()

	ids, err := b.rdb.ZRangeByScore(ctx, b.keys.VisibilityKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(nowMs, 10), Offset: 0, Count: r.cfg.BatchSize,
	}).Result()
	if err != nil {
		b.logger.error("requeuer: sweep visibility set failed", "error", err)
		return
	}
	if len(ids) > int(r.cfg.BatchSize) {
		ids = ids[:r.cfg.BatchSize]
	}

	for _, messageID := range ids {
		if err := r.requeueOne(ctx, messageID); err != nil {
			b.logger.error("requeuer: requeue message failed", "messageId", messageID, "error", err)
		}
	}
}

func (r *Requeuer) requeueOne(ctx context.Context, messageID string) error {
	b := r.b

	payload, err := b.readMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, errUnparsableMessage) {
			// Body exists but will never decode: it can never become
			// dequeueable again, so drop the stale visibility entry
			// instead of resweeping and relogging it forever.
			return b.rdb.ZRem(ctx, b.keys.VisibilityKey(), messageID).Err()
		}
		return err
	}
	if payload == nil {
		// Body already gone (acked concurrently): drop the stale visibility
		// entry so it doesn't get swept again.
		return b.rdb.ZRem(ctx, b.keys.VisibilityKey(), messageID).Err()
	}

	env, queue, ck, _ := b.keys.QueueDescriptor(payload.Queue)
	org, err := b.cfg.Resolver.ResolveOrg(ctx, env)
	if err != nil {
		return err
	}

	won, err := runNack(ctx, b.rdb,
		b.keys.MessageKey(messageID),
		payload.Queue,
		payload.EnvParentQueue,
		payload.GlobalParentQueue,
		b.keys.CurrentConcurrencyKey(env, queue, ck),
		b.keys.EnvCurrentConcurrencyKey(env),
		b.keys.OrgCurrentConcurrencyKey(org),
		b.keys.VisibilityKey(),
		payload.Queue, messageID, payload.Timestamp,
	)
	if err != nil {
		return err
	}
	if won {
		metrics.IncRequeued(queue)
	}
	return nil
}
