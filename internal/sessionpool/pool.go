package sessionpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/identity"
	"github.com/crawlgate/crawlgate/internal/logging"
)

// errNoFreeSession signals that the caller must wait for a release.
var errNoFreeSession = errors.New("no free session")

// Session is a stateful execution context bound to one identity.
// ID, Identity and CreatedAt are immutable after creation; the
// remaining fields belong to the pool and are guarded by its mutex.
type Session struct {
	ID        string
	Identity  identity.Identity
	CreatedAt time.Time

	slot     int
	affinity string
	usage    int
	lastUsed time.Time
	loaned   bool
}

// Utilization is a point-in-time summary of pool occupancy.
type Utilization struct {
	Capacity int    `json:"capacity"`
	Live     int    `json:"live"`
	Loaned   int    `json:"loaned"`
	Free     int    `json:"free"`
	Created  uint64 `json:"created"`
	Retired  uint64 `json:"retired"`
}

// Pool is the bounded session arena. Slots are indexed 0..capacity-1;
// a nil slot is vacant and can hold a future session.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots  []*Session
	closed bool

	created uint64
	retired uint64

	lifetimeCap    int
	acquireTimeout time.Duration

	identities *identity.Pool
	bus        *event.Bus
	logger     *logging.Logger
	now        func() time.Time
}

// New creates a session pool that binds sessions to identities from the
// given identity pool.
func New(cfg config.SessionConfig, identities *identity.Pool, bus *event.Bus, logger *logging.Logger) *Pool {
	if bus == nil {
		bus = event.NewBus()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	capacity := cfg.MaxPoolSize
	if capacity < 1 {
		capacity = 1
	}
	lifetimeCap := cfg.LifetimeCap
	if lifetimeCap < 1 {
		lifetimeCap = 1
	}
	p := &Pool{
		slots:          make([]*Session, capacity),
		lifetimeCap:    lifetimeCap,
		acquireTimeout: cfg.AcquireTimeout(),
		identities:     identities,
		bus:            bus,
		logger:         logger.WithComponent("sessions"),
		now:            time.Now,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire leases a session for a task targeting the hinted domain.
// It returns errors.ErrAcquireTimeout when every session stays loaned
// for the full wait bound, and propagates identity exhaustion
// immediately so the caller can defer the task instead of blocking.
func (p *Pool) Acquire(ctx context.Context, domainHint string) (*Session, error) {
	wake := func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, wake)
	defer stop()
	deadline := time.Now().Add(p.acquireTimeout)
	timer := time.AfterFunc(p.acquireTimeout, wake)
	defer timer.Stop()

	var pending []event.Event
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			p.flush(pending)
			return nil, errors.ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			p.flush(pending)
			return nil, err
		}

		s, err := p.selectLocked(domainHint, &pending)
		if err == nil {
			p.mu.Unlock()
			p.flush(pending)
			p.logger.Debug("session leased",
				"session", s.ID,
				"endpoint", s.Identity.Endpoint,
				"domain", domainHint)
			return s, nil
		}
		if !errors.Is(err, errNoFreeSession) {
			p.mu.Unlock()
			p.flush(pending)
			return nil, err
		}
		if !time.Now().Before(deadline) {
			p.mu.Unlock()
			p.flush(pending)
			return nil, errors.ErrAcquireTimeout
		}
		p.cond.Wait()
	}
}

// selectLocked implements the acquisition order. It returns
// errNoFreeSession when the caller should wait for a release.
func (p *Pool) selectLocked(hint string, pending *[]event.Event) (*Session, error) {
	for _, s := range p.slots {
		if s == nil || s.loaned {
			continue
		}
		if p.identities.IsCooling(s.Identity.Endpoint) {
			p.retireLocked(s, event.RetireIdentityCooling, pending)
		}
	}

	var match *Session
	for _, s := range p.slots {
		if s == nil || s.loaned || s.usage >= p.lifetimeCap {
			continue
		}
		if s.affinity == hint && (match == nil || s.lastUsed.After(match.lastUsed)) {
			match = s
		}
	}
	if match == nil {
		for _, s := range p.slots {
			if s == nil || s.loaned || s.usage >= p.lifetimeCap {
				continue
			}
			if match == nil || s.lastUsed.After(match.lastUsed) {
				match = s
			}
		}
	}
	if match != nil {
		return p.leaseLocked(match, hint), nil
	}

	for slot, s := range p.slots {
		if s == nil {
			return p.createLocked(slot, hint, pending)
		}
	}
	return nil, errNoFreeSession
}

func (p *Pool) leaseLocked(s *Session, hint string) *Session {
	s.loaned = true
	s.affinity = hint
	s.lastUsed = p.now()
	return s
}

func (p *Pool) createLocked(slot int, hint string, pending *[]event.Event) (*Session, error) {
	ident, err := p.identities.Acquire(hint)
	if err != nil {
		return nil, errors.Wrap(err, "bind identity")
	}
	now := p.now()
	s := &Session{
		ID:        uuid.NewString(),
		Identity:  ident,
		CreatedAt: now,
		slot:      slot,
		affinity:  hint,
		lastUsed:  now,
		loaned:    true,
	}
	p.slots[slot] = s
	p.created++
	*pending = append(*pending, event.NewSessionCreatedEvent(s.ID, ident.Endpoint, hint))
	return s, nil
}

func (p *Pool) retireLocked(s *Session, reason event.RetireReason, pending *[]event.Event) {
	p.slots[s.slot] = nil
	p.retired++
	// The session held the identity lease, so Return cannot fail.
	_ = p.identities.Return(s.Identity.Endpoint)
	*pending = append(*pending, event.NewSessionRetiredEvent(s.ID, s.Identity.Endpoint, s.usage, reason))
}

// Release returns a loaned session to the pool. Poisoned sessions and
// sessions that have reached their lifetime cap are retired instead of
// rejoining the free list.
func (p *Pool) Release(s *Session, poisoned bool) error {
	if s == nil {
		return errors.ErrSessionNotLoaned
	}
	p.mu.Lock()
	if s.slot < 0 || s.slot >= len(p.slots) || p.slots[s.slot] != s || !s.loaned {
		p.mu.Unlock()
		return errors.ErrSessionNotLoaned
	}
	s.loaned = false
	s.usage++
	s.lastUsed = p.now()

	var pending []event.Event
	switch {
	case p.closed:
		p.retireLocked(s, event.RetireShutdown, &pending)
	case poisoned:
		p.retireLocked(s, event.RetirePoisoned, &pending)
	case s.usage >= p.lifetimeCap:
		p.retireLocked(s, event.RetireExpired, &pending)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.flush(pending)
	return nil
}

// TrimFree retires free sessions, least recently used first, until at
// most keep remain free. Loaned sessions are untouched. It returns the
// number of sessions retired.
func (p *Pool) TrimFree(keep int) int {
	if keep < 0 {
		keep = 0
	}
	p.mu.Lock()
	var free []*Session
	for _, s := range p.slots {
		if s != nil && !s.loaned {
			free = append(free, s)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].lastUsed.Before(free[j].lastUsed) })

	var pending []event.Event
	for i := 0; i < len(free)-keep; i++ {
		p.retireLocked(free[i], event.RetirePressure, &pending)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.flush(pending)
	return len(pending)
}

// Close retires every free session and marks the pool closed. Sessions
// still loaned out are retired as their holders release them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var pending []event.Event
	for _, s := range p.slots {
		if s != nil && !s.loaned {
			p.retireLocked(s, event.RetireShutdown, &pending)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.flush(pending)
	return nil
}

// Utilization reports current occupancy and lifetime counters.
func (p *Pool) Utilization() Utilization {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := Utilization{
		Capacity: len(p.slots),
		Created:  p.created,
		Retired:  p.retired,
	}
	for _, s := range p.slots {
		if s == nil {
			continue
		}
		u.Live++
		if s.loaned {
			u.Loaned++
		} else {
			u.Free++
		}
	}
	return u
}

// flush logs and publishes lifecycle events collected under the lock.
func (p *Pool) flush(events []event.Event) {
	for _, e := range events {
		switch ev := e.(type) {
		case event.SessionCreatedEvent:
			p.logger.Debug("session created",
				"session", ev.SessionID,
				"endpoint", ev.Endpoint,
				"domain", ev.Domain)
		case event.SessionRetiredEvent:
			p.logger.Debug("session retired",
				"session", ev.SessionID,
				"endpoint", ev.Endpoint,
				"usage", ev.UsageCount,
				"reason", ev.Reason.String())
		}
		p.bus.Publish(e)
	}
}
