// Package sink delivers resolved task results to their destination.
//
// A [Sink] receives one [Result] per resolved task, successful or not.
// Reference implementations cover in-memory capture for tests, an
// append-only JSONL file, and a Postgres table. [Multi] fans a result
// out to several sinks at once.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/logging"
)

// Status is the terminal state of a task.
type Status string

const (
	// StatusSucceeded marks a task whose final attempt completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed marks a task that exhausted recovery.
	StatusFailed Status = "failed"
)

// Attempt records a single dispatch of a task.
type Attempt struct {
	// Number is the 1-based attempt counter.
	Number int `json:"number"`
	// SessionID identifies the session the attempt ran on.
	SessionID string `json:"session_id"`
	// Endpoint is the identity endpoint bound to that session.
	Endpoint string `json:"endpoint"`
	// StartedAt is when the attempt was dispatched.
	StartedAt time.Time `json:"started_at"`
	// ElapsedMS is the attempt duration in milliseconds.
	ElapsedMS int64 `json:"elapsed_ms"`
	// Category is the failure category. Empty on success.
	Category string `json:"category,omitempty"`
	// Error is the failure message. Empty on success.
	Error string `json:"error,omitempty"`
}

// Result is the terminal record of a task. Failed results carry the
// final failure category and message; Data is only set on success.
type Result struct {
	TaskID      string    `json:"task_id"`
	Domain      string    `json:"domain"`
	Payload     string    `json:"payload"`
	Status      Status    `json:"status"`
	Category    string    `json:"category,omitempty"`
	Error       string    `json:"error,omitempty"`
	Data        string    `json:"data,omitempty"`
	Attempts    []Attempt `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Succeeded reports whether the task resolved successfully.
func (r Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Sink receives terminal task results.
//
// OnResult may block (file IO, database round-trips); callers should
// pass a context with an appropriate deadline. Close flushes any
// buffered results and releases underlying resources.
type Sink interface {
	OnResult(ctx context.Context, r Result) error
	Close(ctx context.Context) error
}

// New builds the sink selected by cfg.Kind. An empty kind falls back
// to the JSONL sink.
func New(ctx context.Context, cfg config.SinkConfig, logger *logging.Logger) (Sink, error) {
	switch cfg.Kind {
	case "", "jsonl":
		return NewJSONL(cfg.Path)
	case "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
