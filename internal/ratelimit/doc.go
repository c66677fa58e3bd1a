// Package ratelimit provides per-domain adaptive request pacing for crawlgate.
//
// The [Controller] tracks one pacing state machine per target domain and
// decides when the next request to that domain may proceed. Pacing adapts
// to observed outcomes: sustained success grows the request rate, sustained
// failure shrinks it, and an explicit block from the target halves it
// immediately and freezes the domain behind an exponential backoff.
//
// # Domain Classes
//
// Each domain is bucketed into a class (search, business, social, and
// government by default) at first encounter, by hostname suffix match
// against the configured class rules. The class fixes the domain's base
// and burst rates and never changes for the lifetime of the controller.
//
// # Adaptation
//
// Outcomes land in a 50-entry ring per domain. Every 10th outcome the
// controller recomputes the success rate over the 10 most recent entries
// and steers the rate toward the configured target:
//
//   - rate above target: current rpm grows by 1.2x, capped at 3x base
//   - rate below 0.8x target: current rpm shrinks by 1.2x, floored at 0.25x base
//
// A blocked outcome bypasses the window entirely: the rate halves on the
// spot (floor 1 rpm) and [Controller.MayProceed] returns false until the
// backoff expires. The backoff starts at 60 seconds and doubles per
// consecutive block up to 30 minutes; a later non-blocked success resets
// the streak.
//
// # Burst Windows
//
// [Controller.ResetBurst] arms a burst window during which the class's
// elevated burst rate applies. Re-arming restores the window to its full
// length rather than stacking, so repeated calls are idempotent. Pacing
// attempts faster than even the burst rate allows revoke the window early.
//
// # Concurrency
//
// Distinct domains are locked independently and pace concurrently without
// contention. All methods are safe for concurrent use.
package ratelimit
