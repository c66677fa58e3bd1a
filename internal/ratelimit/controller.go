package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/logging"
)

// Controller adapts per-domain request pacing from observed task outcomes.
// Construct with [New]; the zero value is not usable.
type Controller struct {
	mu      sync.RWMutex
	domains map[string]*domainState

	target       float64
	defaultClass string
	classes      map[string]config.ClassConfig
	rules        []suffixRule

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Controller from the rate section of the engine config.
// bus and logger may be nil.
func New(cfg config.RateConfig, bus *event.Bus, logger *logging.Logger) *Controller {
	if bus == nil {
		bus = event.NewBus()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Controller{
		domains:      make(map[string]*domainState),
		target:       cfg.TargetSuccessRate,
		defaultClass: cfg.DefaultClass,
		classes:      cfg.Classes,
		bus:          bus,
		logger:       logger.WithComponent("ratelimit"),
		now:          time.Now,
	}

	names := make([]string, 0, len(cfg.Classes))
	for name := range cfg.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, suffix := range cfg.Classes[name].Suffixes {
			c.rules = append(c.rules, suffixRule{suffix: normalizeDomain(suffix), class: name})
		}
	}
	// Longer suffixes first so the most specific rule classifies a host.
	sort.SliceStable(c.rules, func(i, j int) bool {
		return len(c.rules[i].suffix) > len(c.rules[j].suffix)
	})

	return c
}

// Delay returns the pacing interval currently in force for domain: one
// minute divided by the effective rate, or a fixed fallback if the rate
// is not positive.
func (c *Controller) Delay(domain string) time.Duration {
	st := c.state(domain)
	now := c.now()

	st.mu.Lock()
	defer st.mu.Unlock()
	d, _ := st.delayLocked(now)
	return d
}

// MayProceed reports whether a request to domain may be dispatched now.
// A true result consumes the pacing grant, so the next request must wait
// a full interval. False is returned while the domain sits inside a block
// backoff or the interval since the last grant has not elapsed. During a
// burst window, an attempt arriving faster than even the burst rate
// allows revokes the window.
func (c *Controller) MayProceed(domain string) bool {
	st := c.state(domain)
	now := c.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if now.Before(st.blockedUntil) {
		return false
	}

	delay, bursting := st.delayLocked(now)
	if st.lastGrant.IsZero() || !now.Before(st.lastGrant.Add(delay)) {
		st.lastGrant = now
		return true
	}

	if bursting {
		st.burstUntil = time.Time{}
	}
	return false
}

// NextEligible returns the earliest instant a request to domain could be
// granted: the later of the block backoff expiry and the end of the
// current pacing interval. It never returns a time in the past.
func (c *Controller) NextEligible(domain string) time.Time {
	st := c.state(domain)
	now := c.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	eligible := now
	if !st.lastGrant.IsZero() {
		delay, _ := st.delayLocked(now)
		if next := st.lastGrant.Add(delay); next.After(eligible) {
			eligible = next
		}
	}
	if st.blockedUntil.After(eligible) {
		eligible = st.blockedUntil
	}
	return eligible
}

// RecordOutcome feeds one task outcome into domain's pacing state. Every
// 10th outcome recomputes the rolling success rate and adapts the rate
// toward the target. A blocked outcome additionally halves the rate and
// freezes the domain for an exponentially growing backoff; a later
// non-blocked success resets the block streak.
func (c *Controller) RecordOutcome(domain string, success, blocked bool) {
	st := c.state(domain)
	now := c.now()

	var (
		adjusted               bool
		prevRPM, rollingRate   float64
		frozen                 time.Time
		blockStreak            int
		adjustedRPM, frozenRPM float64
	)

	st.mu.Lock()
	st.window.record(success)
	st.recorded++

	if st.recorded%recomputeEvery == 0 {
		rate := st.window.rate(rollingSpan)
		prev := st.currentRPM
		switch {
		case rate > c.target:
			st.currentRPM = min(st.currentRPM*growthFactor, st.baseRPM*maxRPMFactor)
		case rate < lowWatermark*c.target:
			// A block penalty may already hold the rate below the adaptive
			// floor; shrinking must never raise it.
			if next := max(st.currentRPM/growthFactor, st.baseRPM*minRPMFactor); next < st.currentRPM {
				st.currentRPM = next
			}
		}
		if st.currentRPM != prev {
			adjusted = true
			prevRPM = prev
			adjustedRPM = st.currentRPM
			rollingRate = rate
		}
	}

	if blocked {
		st.currentRPM = max(st.currentRPM*blockPenalty, minBlockedRPM)
		st.blockedUntil = now.Add(blockBackoff(st.consecutiveBlocks))
		st.consecutiveBlocks++
		frozen = st.blockedUntil
		blockStreak = st.consecutiveBlocks
		frozenRPM = st.currentRPM
	} else if success {
		st.consecutiveBlocks = 0
	}
	class := st.class
	st.mu.Unlock()

	if adjusted {
		c.logger.Debug("request rate adjusted",
			"domain", st.domain,
			"previous_rpm", prevRPM,
			"current_rpm", adjustedRPM,
			"success_rate", rollingRate)
		c.bus.Publish(event.NewRateAdjustedEvent(st.domain, class, prevRPM, adjustedRPM, rollingRate))
	}
	if blocked {
		c.logger.Warn("domain blocked, backing off",
			"domain", st.domain,
			"blocked_until", frozen,
			"consecutive_blocks", blockStreak,
			"current_rpm", frozenRPM)
		c.bus.Publish(event.NewDomainBlockedEvent(st.domain, class, blockStreak, frozen, frozenRPM))
	}
}

// ResetBurst arms domain's burst window, granting the class burst rate
// until the window elapses. Calling it again restores the window to its
// full length rather than extending it, so repeated calls are idempotent.
func (c *Controller) ResetBurst(domain string) {
	st := c.state(domain)
	now := c.now()

	st.mu.Lock()
	st.burstUntil = now.Add(st.burstLen)
	until := st.burstUntil
	class := st.class
	burstRPM := st.burstRPM
	st.mu.Unlock()

	c.logger.Debug("burst window armed",
		"domain", st.domain,
		"burst_rpm", burstRPM,
		"until", until)
	c.bus.Publish(event.NewBurstResetEvent(st.domain, class, burstRPM, until))
}

// Snapshot returns the rate state of every known domain, sorted by name.
func (c *Controller) Snapshot() []DomainStatus {
	c.mu.RLock()
	states := make([]*domainState, 0, len(c.domains))
	for _, st := range c.domains {
		states = append(states, st)
	}
	c.mu.RUnlock()

	statuses := make([]DomainStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		statuses = append(statuses, DomainStatus{
			Domain:            st.domain,
			Class:             st.class,
			BaseRPM:           st.baseRPM,
			CurrentRPM:        st.currentRPM,
			SuccessRate:       st.window.rate(rollingSpan),
			Outcomes:          st.recorded,
			ConsecutiveBlocks: st.consecutiveBlocks,
			BlockedUntil:      st.blockedUntil,
			BurstUntil:        st.burstUntil,
		})
		st.mu.Unlock()
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Domain < statuses[j].Domain
	})
	return statuses
}

// state returns the pacing state for domain, creating and classifying it
// on first encounter. The assigned class never changes afterward.
func (c *Controller) state(domain string) *domainState {
	key := normalizeDomain(domain)

	c.mu.RLock()
	st, ok := c.domains[key]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.domains[key]; ok {
		return st
	}

	class := c.classify(key)
	cls := c.classes[class]
	st = &domainState{
		domain:     key,
		class:      class,
		baseRPM:    cls.BaseRPM,
		burstRPM:   cls.BurstRPM,
		burstLen:   cls.BurstDuration(),
		currentRPM: cls.BaseRPM,
	}
	c.domains[key] = st

	c.logger.Debug("domain registered",
		"domain", key,
		"class", class,
		"base_rpm", cls.BaseRPM)
	return st
}

// classify buckets a normalized hostname into a domain class. The first
// matching suffix rule wins; unmatched hosts get the default class.
func (c *Controller) classify(host string) string {
	for _, rule := range c.rules {
		if rule.matches(host) {
			return rule.class
		}
	}
	return c.defaultClass
}
