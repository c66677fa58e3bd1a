// Package event provides a pub-sub event bus for decoupled inter-component
// communication in crawlgate.
//
// This package enables loose coupling between the rate controller, identity
// and session pools, pressure monitor, and metrics exporter by allowing them
// to communicate through events rather than direct method calls. Components
// can publish events without knowing who will receive them, and subscribe to
// events without knowing who will produce them.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// The package defines several categories of events:
//
// Task Lifecycle:
//   - [TaskSubmittedEvent]: Emitted when a task is accepted into the queue
//   - [TaskDispatchedEvent]: Emitted when a task is handed to a worker
//   - [TaskResolvedEvent]: Emitted when a task reaches a terminal state
//   - [TaskRetriedEvent]: Emitted when a failed task is requeued
//
// Rate Control:
//   - [RateAdjustedEvent]: Emitted when a domain's request rate is recomputed
//   - [DomainBlockedEvent]: Emitted when a domain reports a block
//   - [BurstResetEvent]: Emitted when a domain's burst window is re-armed
//
// Identity Health:
//   - [IdentityCooldownEvent]: Emitted when an identity is benched
//   - [IdentityRecoveredEvent]: Emitted when an identity completes probation
//
// Session Lifecycle:
//   - [SessionCreatedEvent]: Emitted when a session is provisioned
//   - [SessionRetiredEvent]: Emitted when a session is torn down
//
// Engine Health:
//   - [PressureChangedEvent]: Emitted when the memory pressure level transitions
//   - [QueueDepthEvent]: Emitted when the task queue depth changes
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Multiple goroutines can publish
// and subscribe concurrently. Handlers are called synchronously and protected
// against panics - a panicking handler will not prevent other handlers from
// being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	// Subscribe to specific event types
//	bus.Subscribe("rate.blocked", func(e event.Event) {
//	    blocked := e.(event.DomainBlockedEvent)
//	    log.Printf("Domain %s blocked until %v", blocked.Domain, blocked.BlockedUntil)
//	})
//
//	// Subscribe to all events (useful for logging)
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("Event: %s at %v", e.EventType(), e.Timestamp())
//	})
//
//	// Publish events
//	bus.Publish(event.NewTaskSubmittedEvent("task-1", "example.com", 5))
//
//	// Unsubscribe when done
//	id := bus.Subscribe("task.resolved", handler)
//	bus.Unsubscribe(id)
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - task.submitted, task.dispatched, task.resolved, task.retried
//   - rate.adjusted, rate.blocked, rate.burst_reset
//   - identity.cooldown, identity.recovered
//   - session.created, session.retired
//   - pressure.changed
//   - queue.depth_changed
package event
