package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// MessageEvent represents a single message-lifecycle log entry: an
// enqueue, dequeue, ack, nack, heartbeat, or requeue.
type MessageEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	MessageID      string    `json:"message_id"`
	TraceID        string    `json:"trace_id,omitempty"`
	SpanID         string    `json:"span_id,omitempty"`
	Operation      string    `json:"operation"`
	Queue          string    `json:"queue"`
	ConcurrencyKey string    `json:"concurrency_key,omitempty"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Logger handles message-event logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a message-event log entry.
func (l *Logger) Log(entry *MessageEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		ck := ""
		if entry.ConcurrencyKey != "" {
			ck = " [ck:" + entry.ConcurrencyKey + "]"
		}
		fmt.Printf("[marqs] %s %s %s %s%s %dms\n",
			status, entry.Operation, entry.MessageID, entry.Queue, ck, entry.DurationMs)
		if entry.Error != "" {
			fmt.Printf("[marqs]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
