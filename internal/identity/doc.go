// Package identity maintains the rotating set of egress identities for
// crawlgate and selects the healthiest available one for each new session.
//
// An identity pairs a proxy endpoint with a browser fingerprint profile.
// The [Pool] scores each identity from observed task outcomes and hands
// identities out on a lease: [Pool.Acquire] binds an identity to a session,
// [Pool.Release] feeds a finished task's outcome into the identity's health
// stats, and [Pool.Return] ends the lease when the session retires. An
// identity is never leased to two sessions at once, which serializes its
// in-flight use.
//
// # Health Scoring
//
// Selection is weighted-random. An identity's weight is its success rate
// divided by its average latency in milliseconds (floored at 1ms), so fast
// reliable identities are picked most often. Latency is smoothed with an
// exponential moving average (alpha 0.2). Identities with no history yet
// receive the mean weight of the scored ones; when nothing has history the
// pick is uniform.
//
// # Cooldown and Probation
//
// An identity is benched after a run of consecutive failures reaches the
// configured threshold, or immediately on a single blocked outcome. While
// benched it is excluded from selection entirely. When the cooldown
// expires it re-enters selection on probation at a quarter of its normal
// weight until it records the configured number of successes.
//
// # Concurrency
//
// All methods are safe for concurrent use; every read-modify-write of an
// identity's counters happens inside the pool's single critical section.
package identity
