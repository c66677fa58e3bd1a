// Package event defines event types for decoupling components in crawlgate.
// These events enable communication between the rate controller, pools,
// monitors, and metrics without requiring direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.dispatched", "rate.blocked")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// TaskSubmittedEvent is emitted when a task is accepted into the queue.
type TaskSubmittedEvent struct {
	baseEvent
	TaskID   string // Unique identifier for the task
	Domain   string // Target domain the task will hit
	Priority int    // Scheduling priority (higher runs first)
}

// NewTaskSubmittedEvent creates a TaskSubmittedEvent.
func NewTaskSubmittedEvent(taskID, domain string, priority int) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		baseEvent: newBaseEvent("task.submitted"),
		TaskID:    taskID,
		Domain:    domain,
		Priority:  priority,
	}
}

// TaskDispatchedEvent is emitted when a task is handed to a worker for execution.
type TaskDispatchedEvent struct {
	baseEvent
	TaskID    string // Task being executed
	Domain    string // Target domain
	SessionID string // Session the task runs in
	Endpoint  string // Identity endpoint bound to the session
	Attempt   int    // 1-based attempt number
}

// NewTaskDispatchedEvent creates a TaskDispatchedEvent.
func NewTaskDispatchedEvent(taskID, domain, sessionID, endpoint string, attempt int) TaskDispatchedEvent {
	return TaskDispatchedEvent{
		baseEvent: newBaseEvent("task.dispatched"),
		TaskID:    taskID,
		Domain:    domain,
		SessionID: sessionID,
		Endpoint:  endpoint,
		Attempt:   attempt,
	}
}

// TaskResolvedEvent is emitted when a task reaches a terminal state:
// delivered to the result sink or failed past its retry budget.
type TaskResolvedEvent struct {
	baseEvent
	TaskID   string // Task that resolved
	Domain   string // Target domain
	Success  bool   // Whether the task produced a result
	Category string // Failure category name (empty on success)
	Attempts int    // Total attempts consumed
	Error    string // Final error message (empty on success)
}

// NewTaskResolvedEvent creates a TaskResolvedEvent.
func NewTaskResolvedEvent(taskID, domain string, success bool, category string, attempts int, errMsg string) TaskResolvedEvent {
	return TaskResolvedEvent{
		baseEvent: newBaseEvent("task.resolved"),
		TaskID:    taskID,
		Domain:    domain,
		Success:   success,
		Category:  category,
		Attempts:  attempts,
		Error:     errMsg,
	}
}

// TaskRetriedEvent is emitted when a failed task is requeued for another attempt.
type TaskRetriedEvent struct {
	baseEvent
	TaskID   string        // Task being retried
	Domain   string        // Target domain
	Category string        // Failure category that triggered the retry
	Attempt  int           // Attempt number about to run
	Delay    time.Duration // Backoff applied before the task becomes ready
}

// NewTaskRetriedEvent creates a TaskRetriedEvent.
func NewTaskRetriedEvent(taskID, domain, category string, attempt int, delay time.Duration) TaskRetriedEvent {
	return TaskRetriedEvent{
		baseEvent: newBaseEvent("task.retried"),
		TaskID:    taskID,
		Domain:    domain,
		Category:  category,
		Attempt:   attempt,
		Delay:     delay,
	}
}

// -----------------------------------------------------------------------------
// Rate Events
// -----------------------------------------------------------------------------

// RateAdjustedEvent is emitted when a domain's request rate is recomputed.
type RateAdjustedEvent struct {
	baseEvent
	Domain      string  // Domain whose rate changed
	Class       string  // Domain class (search, business, social, government)
	PreviousRPM float64 // Rate before the adjustment
	CurrentRPM  float64 // Rate after the adjustment
	SuccessRate float64 // Rolling success rate that drove the change
}

// NewRateAdjustedEvent creates a RateAdjustedEvent.
func NewRateAdjustedEvent(domain, class string, previousRPM, currentRPM, successRate float64) RateAdjustedEvent {
	return RateAdjustedEvent{
		baseEvent:   newBaseEvent("rate.adjusted"),
		Domain:      domain,
		Class:       class,
		PreviousRPM: previousRPM,
		CurrentRPM:  currentRPM,
		SuccessRate: successRate,
	}
}

// DomainBlockedEvent is emitted when a domain reports a block and enters backoff.
type DomainBlockedEvent struct {
	baseEvent
	Domain            string    // Blocked domain
	Class             string    // Domain class
	ConsecutiveBlocks int       // Block streak including this one
	BlockedUntil      time.Time // When requests may resume
	CurrentRPM        float64   // Rate after the halving penalty
}

// NewDomainBlockedEvent creates a DomainBlockedEvent.
func NewDomainBlockedEvent(domain, class string, consecutiveBlocks int, blockedUntil time.Time, currentRPM float64) DomainBlockedEvent {
	return DomainBlockedEvent{
		baseEvent:         newBaseEvent("rate.blocked"),
		Domain:            domain,
		Class:             class,
		ConsecutiveBlocks: consecutiveBlocks,
		BlockedUntil:      blockedUntil,
		CurrentRPM:        currentRPM,
	}
}

// BurstResetEvent is emitted when a domain's burst window is re-armed,
// granting it the elevated burst rate until the window expires.
type BurstResetEvent struct {
	baseEvent
	Domain   string    // Domain granted the burst
	Class    string    // Domain class
	BurstRPM float64   // Elevated rate during the window
	Until    time.Time // When the burst window closes
}

// NewBurstResetEvent creates a BurstResetEvent.
func NewBurstResetEvent(domain, class string, burstRPM float64, until time.Time) BurstResetEvent {
	return BurstResetEvent{
		baseEvent: newBaseEvent("rate.burst_reset"),
		Domain:    domain,
		Class:     class,
		BurstRPM:  burstRPM,
		Until:     until,
	}
}

// -----------------------------------------------------------------------------
// Identity Events
// -----------------------------------------------------------------------------

// CooldownReason represents why an identity entered cooldown.
type CooldownReason int

const (
	CooldownFailureStreak CooldownReason = iota // Consecutive failures reached the threshold
	CooldownBlocked                             // A target domain blocked the identity
)

// String returns a human-readable name for a cooldown reason.
func (r CooldownReason) String() string {
	switch r {
	case CooldownFailureStreak:
		return "failure_streak"
	case CooldownBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// IdentityCooldownEvent is emitted when an identity is benched.
type IdentityCooldownEvent struct {
	baseEvent
	Endpoint string         // Identity that entered cooldown
	Reason   CooldownReason // Why it was benched
	Until    time.Time      // When it becomes eligible again
}

// NewIdentityCooldownEvent creates an IdentityCooldownEvent.
func NewIdentityCooldownEvent(endpoint string, reason CooldownReason, until time.Time) IdentityCooldownEvent {
	return IdentityCooldownEvent{
		baseEvent: newBaseEvent("identity.cooldown"),
		Endpoint:  endpoint,
		Reason:    reason,
		Until:     until,
	}
}

// IdentityRecoveredEvent is emitted when an identity completes probation
// and returns to full selection weight.
type IdentityRecoveredEvent struct {
	baseEvent
	Endpoint string // Identity that recovered
}

// NewIdentityRecoveredEvent creates an IdentityRecoveredEvent.
func NewIdentityRecoveredEvent(endpoint string) IdentityRecoveredEvent {
	return IdentityRecoveredEvent{
		baseEvent: newBaseEvent("identity.recovered"),
		Endpoint:  endpoint,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// RetireReason represents why a session was retired from the pool.
type RetireReason int

const (
	RetireExpired         RetireReason = iota // Usage count reached the lifetime cap
	RetirePoisoned                            // A task outcome marked the session unusable
	RetireIdentityCooling                     // The bound identity entered cooldown
	RetirePressure                            // Shed under memory pressure
	RetireShutdown                            // Pool closed
)

// String returns a human-readable name for a retire reason.
func (r RetireReason) String() string {
	switch r {
	case RetireExpired:
		return "expired"
	case RetirePoisoned:
		return "poisoned"
	case RetireIdentityCooling:
		return "identity_cooling"
	case RetirePressure:
		return "pressure"
	case RetireShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// SessionCreatedEvent is emitted when a new execution session is provisioned.
type SessionCreatedEvent struct {
	baseEvent
	SessionID string // Unique identifier for the session
	Endpoint  string // Identity endpoint bound to the session
	Domain    string // Domain the session was created for
}

// NewSessionCreatedEvent creates a SessionCreatedEvent.
func NewSessionCreatedEvent(sessionID, endpoint, domain string) SessionCreatedEvent {
	return SessionCreatedEvent{
		baseEvent: newBaseEvent("session.created"),
		SessionID: sessionID,
		Endpoint:  endpoint,
		Domain:    domain,
	}
}

// SessionRetiredEvent is emitted when a session is torn down.
type SessionRetiredEvent struct {
	baseEvent
	SessionID  string       // Session that was retired
	Endpoint   string       // Identity endpoint it was bound to
	UsageCount int          // Tasks the session served before retirement
	Reason     RetireReason // Why it was retired
}

// NewSessionRetiredEvent creates a SessionRetiredEvent.
func NewSessionRetiredEvent(sessionID, endpoint string, usageCount int, reason RetireReason) SessionRetiredEvent {
	return SessionRetiredEvent{
		baseEvent:  newBaseEvent("session.retired"),
		SessionID:  sessionID,
		Endpoint:   endpoint,
		UsageCount: usageCount,
		Reason:     reason,
	}
}

// -----------------------------------------------------------------------------
// Pressure Events
// -----------------------------------------------------------------------------

// PressureLevel represents the memory pressure level of the engine process.
// Mirrors pressure.Level for decoupling.
type PressureLevel string

const (
	PressureNormal   PressureLevel = "normal"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// PressureChangedEvent is emitted when the memory pressure level transitions.
type PressureChangedEvent struct {
	baseEvent
	Previous PressureLevel // Level before the transition
	Current  PressureLevel // New current level
	Ratio    float64       // Observed RSS as a fraction of the budget
	RSSBytes uint64        // Resident set size at sample time
}

// NewPressureChangedEvent creates a PressureChangedEvent.
func NewPressureChangedEvent(previous, current PressureLevel, ratio float64, rssBytes uint64) PressureChangedEvent {
	return PressureChangedEvent{
		baseEvent: newBaseEvent("pressure.changed"),
		Previous:  previous,
		Current:   current,
		Ratio:     ratio,
		RSSBytes:  rssBytes,
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueDepthEvent is emitted when the task queue depth changes.
type QueueDepthEvent struct {
	baseEvent
	Ready    int // Tasks eligible to run now
	Waiting  int // Tasks deferred to a future ready time
	Capacity int // Configured queue capacity
}

// NewQueueDepthEvent creates a QueueDepthEvent.
func NewQueueDepthEvent(ready, waiting, capacity int) QueueDepthEvent {
	return QueueDepthEvent{
		baseEvent: newBaseEvent("queue.depth_changed"),
		Ready:     ready,
		Waiting:   waiting,
		Capacity:  capacity,
	}
}
