package broker

import (
	"time"

	"github.com/marqs-io/marqs/internal/logging"
)

// loggerAdapter bridges Broker's operations to the shared logging package:
// a MessageEvent per settled operation via logging.Default(), plus
// free-form operational diagnostics via logging.Op() (slog).
type loggerAdapter struct{}

func newLoggerAdapter() *loggerAdapter { return &loggerAdapter{} }

func (l *loggerAdapter) enqueued(messageID, queue string) {
	logging.Default().Log(&logging.MessageEvent{
		MessageID: messageID, Operation: "enqueue", Queue: queue, Success: true,
	})
}

func (l *loggerAdapter) dequeued(messageID, queue string) {
	logging.Default().Log(&logging.MessageEvent{
		MessageID: messageID, Operation: "dequeue", Queue: queue, Success: true,
	})
}

func (l *loggerAdapter) acked(messageID, queue string) {
	logging.Default().Log(&logging.MessageEvent{
		MessageID: messageID, Operation: "ack", Queue: queue, Success: true,
	})
}

func (l *loggerAdapter) nacked(messageID, queue string, retryAt time.Time) {
	logging.Default().Log(&logging.MessageEvent{
		MessageID: messageID, Operation: "nack", Queue: queue, Success: true,
	})
	logging.Op().Debug("nack scheduled redelivery", "messageId", messageID, "queue", queue, "retryAt", retryAt)
}

func (l *loggerAdapter) error(msg string, args ...any) {
	logging.Op().Error(msg, args...)
}
