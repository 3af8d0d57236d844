// Package audit records every execution decision as append-only JSONL.
// Each event is a single JSON line followed by a newline.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event is one audited execution.
type Event struct {
	Time        time.Time `json:"time"`
	ExecutionID string    `json:"execution_id"`
	Command     []string  `json:"command"`
	Directory   string    `json:"directory,omitempty"`
	Mode        string    `json:"mode"` // "single" or "pipeline"
	Status      int       `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
}

// Logger writes audit events to a file. Thread-safe: multiple executions
// can log concurrently.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{
		file:   f,
		logger: logger,
	}, nil
}

// LogExecution serializes the event as JSON and appends it to the audit
// log. Marshal happens outside the lock; only the file write is serialized.
// Nil-safe so callers can run with auditing disabled.
func (a *Logger) LogExecution(ctx context.Context, event Event) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("execution_id", event.ExecutionID),
		slog.String("mode", event.Mode),
		slog.Int("status", event.Status),
	)

	return nil
}

// Close closes the underlying file.
func (a *Logger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
