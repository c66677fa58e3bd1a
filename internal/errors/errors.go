// Package errors provides centralized error definitions and error handling utilities
// for the crawlgate codebase. It defines the failure taxonomy used by retry routing,
// subsystem sentinel errors, error constructors with context wrapping, and
// classification helpers.
//
// # Failure Taxonomy
//
// Every task failure belongs to exactly one FailureCategory. The category decides
// which recovery strategy applies, so the set is closed: adding a category means
// adding a strategy for it.
//
//   - CategoryNetwork: transient transport failures (timeouts, resets, DNS)
//   - CategoryBlocked: anti-bot interference (challenges, bans, block pages)
//   - CategorySession: the execution session died or became unusable
//   - CategoryResource: a local resource limit prevented the attempt
//   - CategoryData: the response parsed but violated expectations
//
// # Usage
//
// Creating errors:
//
//	// Categorized task error
//	err := errors.NewTaskError(errors.CategoryBlocked, "challenge page served", cause)
//	err = err.WithTaskID("task-1").WithDomain("example.com")
//
//	// Wrapping with context
//	err := errors.Wrapf(baseErr, "dispatch task %s", taskID)
//
// Checking errors:
//
//	// Sentinel comparison
//	if errors.Is(err, errors.ErrNoIdentityAvailable) { ... }
//
//	// Category routing
//	switch errors.Categorize(err) {
//	case errors.CategoryData:
//	    // terminal, do not retry
//	}
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// FailureCategory identifies which class of failure a task error belongs to.
// The set is closed; recovery strategies are looked up by category and every
// category must have one.
type FailureCategory int

const (
	// CategoryNetwork covers transient transport failures: connection resets,
	// DNS errors, TLS handshake failures, upstream timeouts.
	CategoryNetwork FailureCategory = iota
	// CategoryBlocked covers anti-bot interference: challenge pages, bans,
	// rate-limit rejections attributed to the remote side.
	CategoryBlocked
	// CategorySession covers execution sessions that died or became unusable
	// mid-task, including per-task deadline expiry.
	CategorySession
	// CategoryResource covers local resource exhaustion that prevented an
	// attempt from running at all (no session slot, memory pressure).
	CategoryResource
	// CategoryData covers responses that arrived but violated structural
	// expectations. These are terminal; retrying cannot fix malformed data.
	CategoryData
)

// Categories returns every failure category in declaration order.
// Recovery strategy tables iterate this to prove they are exhaustive.
func Categories() []FailureCategory {
	return []FailureCategory{
		CategoryNetwork,
		CategoryBlocked,
		CategorySession,
		CategoryResource,
		CategoryData,
	}
}

// String returns the string representation of the failure category.
func (c FailureCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryBlocked:
		return "blocked"
	case CategorySession:
		return "session"
	case CategoryResource:
		return "resource"
	case CategoryData:
		return "data"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures in this category may succeed on a later
// attempt. Data failures are terminal; everything else is worth retrying.
func (c FailureCategory) Retryable() bool {
	return c != CategoryData
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Rate control sentinel errors
var (
	// ErrDomainBlocked indicates that a domain is inside its block window.
	ErrDomainBlocked = New("domain is blocked")
	// ErrUnknownDomain indicates that a domain has never been observed.
	ErrUnknownDomain = New("unknown domain")
)

// Identity pool sentinel errors
var (
	// ErrNoIdentityAvailable indicates that every identity is leased or cooling down.
	ErrNoIdentityAvailable = New("no identity available")
	// ErrIdentityNotFound indicates that an identity endpoint is not registered.
	ErrIdentityNotFound = New("identity not found")
	// ErrIdentityNotLeased indicates a release for an identity that was never acquired.
	ErrIdentityNotLeased = New("identity not leased")
)

// Session pool sentinel errors
var (
	// ErrPoolClosed indicates that the session pool has been shut down.
	ErrPoolClosed = New("session pool closed")
	// ErrAcquireTimeout indicates that no session became available within the wait bound.
	ErrAcquireTimeout = New("session acquire timed out")
	// ErrSessionNotLoaned indicates a release for a session that is not loaned out.
	ErrSessionNotLoaned = New("session not loaned")
)

// Task queue sentinel errors
var (
	// ErrQueueClosed indicates that the queue no longer accepts tasks.
	ErrQueueClosed = New("task queue closed")
	// ErrQueueFull indicates that the queue is at capacity.
	ErrQueueFull = New("task queue full")
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrDuplicateTask indicates that a live task with the same idempotency key exists.
	ErrDuplicateTask = New("duplicate task")
)

// Engine sentinel errors
var (
	// ErrEngineStopped indicates that the engine is not accepting work.
	ErrEngineStopped = New("engine stopped")
	// ErrRetriesExhausted indicates that a task consumed its full retry budget.
	ErrRetriesExhausted = New("retries exhausted")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// TaskError
// -----------------------------------------------------------------------------

// TaskError is a categorized failure produced while attempting a task.
// The category drives recovery routing; the remaining fields carry context
// for logs and the terminal attempt history.
//
// Example:
//
//	err := errors.NewTaskError(errors.CategoryNetwork, "fetch failed", cause)
//	err = err.WithTaskID("task-1").WithDomain("example.com")
//	fmt.Println(err) // "network failure [task=task-1, domain=example.com]: fetch failed: ..."
type TaskError struct {
	Category FailureCategory
	TaskID   string
	Domain   string

	message string
	cause   error
}

// NewTaskError creates a new TaskError with the given category.
func NewTaskError(category FailureCategory, message string, cause error) *TaskError {
	return &TaskError{
		Category: category,
		message:  message,
		cause:    cause,
	}
}

// WithTaskID adds a task ID to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithDomain adds a domain to the error context.
func (e *TaskError) WithDomain(domain string) *TaskError {
	e.Domain = domain
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Domain != "" {
		parts = append(parts, fmt.Sprintf("domain=%s", e.Domain))
	}

	prefix := fmt.Sprintf("%s failure", e.Category)
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s failure [%s]", e.Category, strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if other, ok := target.(*TaskError); ok {
		return other.Category == e.Category
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Retryable reports whether this failure may succeed on a later attempt.
func (e *TaskError) Retryable() bool {
	return e.Category.Retryable()
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// Categorize maps an arbitrary error onto the failure taxonomy.
//
// A *TaskError carries its own category. Context expiry maps to
// CategorySession because the execution context was abandoned mid-flight.
// Network-shaped errors map to CategoryNetwork. Anything else is presumed
// transient and also maps to CategoryNetwork; executors that can tell a
// block page or malformed payload apart must tag the error themselves.
func Categorize(err error) FailureCategory {
	if err == nil {
		return CategoryNetwork
	}

	var taskErr *TaskError
	if As(err, &taskErr) {
		return taskErr.Category
	}

	if Is(err, context.DeadlineExceeded) || Is(err, context.Canceled) {
		return CategorySession
	}

	var netErr net.Error
	if As(err, &netErr) {
		return CategoryNetwork
	}

	return CategoryNetwork
}

// IsRetryable returns true if the error represents a condition that may
// succeed on retry. Data failures are the only terminal category.
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    queue.Requeue(task, backoff)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Categorize(err).Retryable()
}

// IsBlocked returns true if the error indicates anti-bot interference.
// Blocked failures additionally feed the rate controller's block path.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}
	return Categorize(err) == CategoryBlocked
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to dispatch task")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to dispatch task %s", taskID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
