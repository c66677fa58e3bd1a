package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const (
	// windowSize is the per-domain outcome ring capacity.
	windowSize = 50
	// recomputeEvery is how many outcomes pass between rate recomputations.
	recomputeEvery = 10
	// rollingSpan is how many recent outcomes the rolling success rate covers.
	rollingSpan = 10

	// growthFactor scales the rate up on sustained success and down on
	// sustained failure.
	growthFactor = 1.2
	// maxRPMFactor caps the adaptive rate at a multiple of the class base.
	maxRPMFactor = 3.0
	// minRPMFactor floors the adaptive rate at a fraction of the class base.
	minRPMFactor = 0.25
	// lowWatermark is the fraction of the target success rate below which
	// the rate shrinks.
	lowWatermark = 0.8

	// blockPenalty halves the rate when a domain reports a block.
	blockPenalty = 0.5
	// minBlockedRPM is the floor the block penalty can reach, below the
	// adaptive floor.
	minBlockedRPM = 1.0

	// blockBackoffBase is the freeze applied on a first block; it doubles
	// per consecutive block up to blockBackoffCap.
	blockBackoffBase = 60 * time.Second
	blockBackoffCap  = 30 * time.Minute

	// fallbackDelay paces domains whose effective rate is not positive.
	fallbackDelay = 5 * time.Second
)

// DomainStatus is a point-in-time view of one domain's rate state,
// as reported by [Controller.Snapshot].
type DomainStatus struct {
	Domain            string    `json:"domain"`
	Class             string    `json:"class"`
	BaseRPM           float64   `json:"base_rpm"`
	CurrentRPM        float64   `json:"current_rpm"`
	SuccessRate       float64   `json:"success_rate"`
	Outcomes          int       `json:"outcomes"`
	ConsecutiveBlocks int       `json:"consecutive_blocks"`
	BlockedUntil      time.Time `json:"blocked_until,omitzero"`
	BurstUntil        time.Time `json:"burst_until,omitzero"`
}

// outcomeWindow is a fixed-capacity ring of recent task outcomes.
type outcomeWindow struct {
	buf   [windowSize]bool
	head  int // next write position
	count int // filled entries, capped at windowSize
}

// record appends one outcome, evicting the oldest once the ring is full.
func (w *outcomeWindow) record(success bool) {
	w.buf[w.head] = success
	w.head = (w.head + 1) % windowSize
	if w.count < windowSize {
		w.count++
	}
}

// rate returns the success rate over the span most recent outcomes,
// or over all recorded outcomes if fewer exist. An empty window rates 0.
func (w *outcomeWindow) rate(span int) float64 {
	if span > w.count {
		span = w.count
	}
	if span == 0 {
		return 0
	}
	hits := 0
	for i := 1; i <= span; i++ {
		if w.buf[(w.head-i+windowSize)%windowSize] {
			hits++
		}
	}
	return float64(hits) / float64(span)
}

// domainState holds the mutable pacing state for a single domain.
// All fields past mu are guarded by it.
type domainState struct {
	mu sync.Mutex

	domain string
	class  string

	baseRPM  float64
	burstRPM float64
	burstLen time.Duration

	currentRPM        float64
	window            outcomeWindow
	recorded          int
	lastGrant         time.Time
	consecutiveBlocks int
	blockedUntil      time.Time
	burstUntil        time.Time
}

// delayLocked returns the pacing interval in force at now and whether the
// burst rate is applying. Callers must hold mu.
func (d *domainState) delayLocked(now time.Time) (time.Duration, bool) {
	rpm := d.currentRPM
	bursting := now.Before(d.burstUntil)
	if bursting && d.burstRPM > rpm {
		rpm = d.burstRPM
	}
	if rpm <= 0 {
		return fallbackDelay, bursting
	}
	return time.Duration(float64(time.Minute) / rpm), bursting
}

// blockBackoff returns the freeze duration for a block arriving after
// blocks earlier consecutive blocks.
func blockBackoff(blocks int) time.Duration {
	d := blockBackoffBase
	for i := 0; i < blocks && d < blockBackoffCap; i++ {
		d *= 2
	}
	return min(d, blockBackoffCap)
}

// suffixRule maps a hostname suffix to a domain class.
type suffixRule struct {
	suffix string
	class  string
}

// matches reports whether host falls under the rule's suffix. A suffix
// with a leading dot matches any subdomain; otherwise the host must equal
// the suffix or end with "." followed by it.
func (r suffixRule) matches(host string) bool {
	if strings.HasPrefix(r.suffix, ".") {
		return strings.HasSuffix(host, r.suffix)
	}
	return host == r.suffix || strings.HasSuffix(host, "."+r.suffix)
}

// normalizeDomain lowercases a hostname and strips surrounding whitespace
// and any trailing dot, so lookups and suffix rules agree on a key.
func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.TrimSpace(strings.ToLower(domain)), ".")
}
