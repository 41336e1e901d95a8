package broker

import (
	"context"
	"time"

	"github.com/marqs-io/marqs/internal/queue"
)

// Handler processes one dequeued message. Returning nil acks it; any other
// return value nacks it for redelivery.
type Handler func(ctx context.Context, msg *MessagePayload) error

// ConsumerConfig configures a push-notified, poll-backstopped dequeue loop.
type ConsumerConfig struct {
	// PollInterval bounds how long a loop waits for a notification before
	// checking anyway. Default 1s.
	PollInterval time.Duration
}

const defaultConsumerPollInterval = 1 * time.Second

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultConsumerPollInterval
	}
	return c
}

// sharedQueueType and envQueueType name the Notifier channels Enqueue
// signals and the Consume* loops below subscribe to, mirroring spec.md §3's
// two independent parent queues.
const sharedQueueType queue.QueueType = "shared"

func envQueueType(env string) queue.QueueType { return queue.QueueType("env:" + env) }

// ConsumeShared runs handler against DequeueFromShared until ctx is
// cancelled or handler's context is done. Each iteration blocks on
// whichever comes first: a Notify from Broker.Enqueue, or cfg.PollInterval
// elapsing, so a consumer never waits out the full interval once Enqueue
// has already signaled work arrived.
func (b *Broker) ConsumeShared(ctx context.Context, cfg ConsumerConfig, handler Handler) error {
	return b.consume(ctx, cfg, sharedQueueType, b.DequeueFromShared, handler)
}

// ConsumeEnv runs handler against DequeueFromEnv(env) until ctx is
// cancelled, with the same notify-or-poll wakeup as ConsumeShared.
func (b *Broker) ConsumeEnv(ctx context.Context, env string, cfg ConsumerConfig, handler Handler) error {
	dequeue := func(ctx context.Context) (*MessagePayload, error) {
		return b.DequeueFromEnv(ctx, env)
	}
	return b.consume(ctx, cfg, envQueueType(env), dequeue, handler)
}

func (b *Broker) consume(ctx context.Context, cfg ConsumerConfig, qt queue.QueueType, dequeue func(context.Context) (*MessagePayload, error), handler Handler) error {
	cfg = cfg.withDefaults()
	woken := b.cfg.Notifier.Subscribe(ctx, qt)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain every currently-due message before waiting again: a single
		// notification can correspond to many enqueues landing close
		// together.
		for {
			msg, err := dequeue(ctx)
			if err != nil {
				b.logger.error("consume: dequeue failed", "queueType", string(qt), "error", err)
				break
			}
			if msg == nil {
				break
			}
			if hErr := handler(ctx, msg); hErr != nil {
				if nackErr := b.Nack(ctx, msg.MessageID); nackErr != nil {
					b.logger.error("consume: nack failed", "messageId", msg.MessageID, "error", nackErr)
				}
				continue
			}
			if ackErr := b.Ack(ctx, msg.MessageID); ackErr != nil {
				b.logger.error("consume: ack failed", "messageId", msg.MessageID, "error", ackErr)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-woken:
		case <-ticker.C:
		}
	}
}
