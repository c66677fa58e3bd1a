// Package sessionpool manages the bounded arena of execution sessions
// that tasks run against.
//
// A session models a stateful execution context (a browser instance in
// production) bound to exactly one egress identity for its whole life.
// Sessions are expensive to create, so the pool reuses them across
// tasks up to a configured lifetime cap, preferring a session that last
// served the same domain so warmed state (cookies, tokens) is kept.
//
// # Acquisition
//
// [Pool.Acquire] tries, in order: a free session whose last domain
// matches the hint, any free session, and a fresh session if the arena
// has a vacant slot. When every session is loaned out it waits, bounded
// by the configured acquire timeout, for a release. Free sessions whose
// identity has entered cooldown are retired on sight and their slots
// reused. Identity exhaustion is reported immediately rather than
// waited out, so the caller can defer the task.
//
// # Retirement
//
// A session is retired, vacating its arena slot and returning its
// identity to the identity pool, when it is released poisoned, when its
// usage count reaches the lifetime cap, when its identity is cooling,
// when the pool is trimmed under memory pressure, or at shutdown.
// Retirement frees the slot index for reuse; the pool never grows past
// its configured capacity.
//
// # Concurrency
//
// All pool state is guarded by a single mutex. A session is loaned to
// at most one task at a time, and callers must pair every Acquire with
// exactly one Release. Lifecycle events are published after the lock is
// dropped.
package sessionpool
