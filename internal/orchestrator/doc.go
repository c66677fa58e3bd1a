// Package orchestrator runs the engine's top-level control loop: it
// pulls submitted tasks from the priority queue, gates admission on
// memory pressure and per-domain pacing, leases sessions, dispatches
// to the task executor, and feeds every outcome back into the rate,
// identity, and recovery subsystems.
//
// # Lifecycle
//
// A task moves through queued, admitted, and dispatched states before
// resolving as succeeded or failed. Failed attempts consult
// [recovery.Manager] for a directive: retries and deferrals requeue
// the task with a ready time, terminal failures deliver the final
// category and full attempt history to the [sink.Sink]. Every
// submitted task resolves exactly once, including at shutdown.
//
// # Admission
//
// A single goroutine owns admission. It refuses to pop tasks while
// pressure is critical, parks tasks whose domain is rate-limited
// until the domain's next eligible time, and otherwise hands tasks to
// a fixed pool of workers over an unbuffered channel, which bounds
// in-flight work at the configured concurrency.
//
// # Dispatch
//
// Workers lease a session, run the executor under the per-task
// timeout, and settle the outcome before taking new work. A timed-out
// attempt poisons its session and records an identity failure.
// Session acquisition failures defer the task without consuming a
// retry attempt.
package orchestrator
