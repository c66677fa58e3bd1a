package identity

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/logging"
)

const (
	// latencyAlpha is the EMA smoothing factor for average latency.
	latencyAlpha = 0.2
	// latencyEpsilon floors the latency divisor in the health score, in ms.
	latencyEpsilon = 1.0
	// probationFactor scales the selection weight of an identity that has
	// left cooldown but not yet re-proven itself.
	probationFactor = 0.25
)

// Identity is the public view of one egress identity, handed to the task
// executor alongside a session.
type Identity struct {
	Endpoint    string `json:"endpoint"`
	Fingerprint string `json:"fingerprint"`
}

// IdentityStatus is a point-in-time health record for one identity,
// as reported by [Pool.Snapshot].
type IdentityStatus struct {
	Endpoint            string    `json:"endpoint"`
	Fingerprint         string    `json:"fingerprint"`
	Successes           int       `json:"successes"`
	Failures            int       `json:"failures"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	Weight              float64   `json:"weight"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Leased              bool      `json:"leased"`
	Cooling             bool      `json:"cooling"`
	LastDomain          string    `json:"last_domain,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	ProbationLeft       int       `json:"probation_left,omitempty"`
}

// identityState holds one identity's mutable health bookkeeping.
// Guarded by the owning pool's mutex.
type identityState struct {
	identity Identity

	successes           int
	failures            int
	consecutiveFailures int
	avgLatencyMS        float64
	hasLatency          bool

	leased     bool
	lastDomain string

	cooldownUntil time.Time
	probationLeft int
}

func (s *identityState) attempts() int {
	return s.successes + s.failures
}

// weight is the identity's selection weight: success rate over average
// latency, scaled down while on probation. Zero without history.
func (s *identityState) weight() float64 {
	attempts := s.attempts()
	if attempts == 0 {
		return 0
	}
	w := float64(s.successes) / float64(attempts) / max(s.avgLatencyMS, latencyEpsilon)
	if s.probationLeft > 0 {
		w *= probationFactor
	}
	return w
}

// Provider supplies replacement identities. Acquire consults it when
// every configured identity is leased or cooling; returning false means
// nothing can be provisioned right now.
type Provider func() (config.EndpointConfig, bool)

// Option configures a Pool.
type Option func(*Pool)

// WithProvider installs a replacement identity source.
func WithProvider(fn Provider) Option {
	return func(p *Pool) { p.provider = fn }
}

// Pool is the engine's rotating identity set. Construct with [NewPool];
// the zero value is not usable.
type Pool struct {
	mu         sync.Mutex
	identities map[string]*identityState
	order      []string // endpoints in registration order

	cooldown           time.Duration
	failureThreshold   int
	probationSuccesses int
	provider           Provider

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
	rng    *rand.Rand
}

// NewPool creates a Pool from the identity section of the engine config.
// When the config lists no endpoints, a single direct-connection identity
// is synthesized so the engine stays runnable without proxies.
// bus and logger may be nil.
func NewPool(cfg config.IdentityConfig, bus *event.Bus, logger *logging.Logger, opts ...Option) *Pool {
	if bus == nil {
		bus = event.NewBus()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []config.EndpointConfig{{Endpoint: "direct", Fingerprint: "default"}}
	}

	p := &Pool{
		identities:         make(map[string]*identityState, len(endpoints)),
		cooldown:           cfg.Cooldown(),
		failureThreshold:   cfg.FailureThreshold,
		probationSuccesses: cfg.ProbationSuccesses,
		bus:                bus,
		logger:             logger.WithComponent("identity"),
		now:                time.Now,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, ep := range endpoints {
		if _, ok := p.identities[ep.Endpoint]; ok {
			continue
		}
		p.identities[ep.Endpoint] = &identityState{
			identity: Identity{Endpoint: ep.Endpoint, Fingerprint: ep.Fingerprint},
		}
		p.order = append(p.order, ep.Endpoint)
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of identities in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Acquire leases the healthiest available identity for a session serving
// domainHint. Identities already leased or in cooldown are excluded; when
// none remain, a configured [Provider] may supply a replacement, which
// joins the pool and is leased directly. Returns
// [errs.ErrNoIdentityAvailable] when every identity is leased or cooling
// and no replacement can be provisioned.
func (p *Pool) Acquire(domainHint string) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	var eligible []*identityState
	for _, endpoint := range p.order {
		st := p.identities[endpoint]
		if st.leased || now.Before(st.cooldownUntil) {
			continue
		}
		eligible = append(eligible, st)
	}
	if len(eligible) == 0 {
		st := p.provision()
		if st == nil {
			return Identity{}, errs.ErrNoIdentityAvailable
		}
		eligible = append(eligible, st)
	}

	chosen := p.pick(eligible)
	chosen.leased = true
	chosen.lastDomain = domainHint

	p.logger.Debug("identity leased",
		"endpoint", chosen.identity.Endpoint,
		"domain", domainHint,
		"weight", chosen.weight())
	return chosen.identity, nil
}

// pick selects from eligible by weighted-random draw. Identities without
// history receive the mean weight of the scored ones; when nothing has
// history, or all weights are zero, the draw is uniform.
func (p *Pool) pick(eligible []*identityState) *identityState {
	weights := make([]float64, len(eligible))
	known := 0
	knownTotal := 0.0
	for i, st := range eligible {
		if st.attempts() > 0 {
			weights[i] = st.weight()
			known++
			knownTotal += weights[i]
		} else {
			weights[i] = -1
		}
	}
	if known == 0 {
		return eligible[p.rng.Intn(len(eligible))]
	}

	neutral := knownTotal / float64(known)
	total := 0.0
	for i := range weights {
		if weights[i] < 0 {
			weights[i] = neutral
		}
		total += weights[i]
	}
	if total <= 0 {
		return eligible[p.rng.Intn(len(eligible))]
	}

	r := p.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// provision asks the provider for a replacement identity and registers
// it with clean stats. Returns nil when no provider is set, the
// provider declines, or it hands back an endpoint already registered.
// Callers hold p.mu.
func (p *Pool) provision() *identityState {
	if p.provider == nil {
		return nil
	}
	ep, ok := p.provider()
	if !ok {
		return nil
	}
	if _, exists := p.identities[ep.Endpoint]; exists {
		return nil
	}
	st := &identityState{
		identity: Identity{Endpoint: ep.Endpoint, Fingerprint: ep.Fingerprint},
	}
	p.identities[ep.Endpoint] = st
	p.order = append(p.order, ep.Endpoint)

	p.logger.Info("identity provisioned",
		"endpoint", ep.Endpoint,
		"pool_size", len(p.order))
	return st
}

// Release feeds one finished task's outcome into the identity's health
// stats. It does not end the lease; the session keeps its identity until
// [Pool.Return]. A blocked outcome benches the identity immediately; a
// failure streak reaching the threshold benches it too. Latency updates
// the EMA only when positive.
func (p *Pool) Release(endpoint string, success bool, latency time.Duration, blocked bool) error {
	p.mu.Lock()
	st, ok := p.identities[endpoint]
	if !ok {
		p.mu.Unlock()
		return errs.ErrIdentityNotFound
	}
	now := p.now()

	if success {
		st.successes++
	} else {
		st.failures++
	}

	if latency > 0 {
		ms := float64(latency) / float64(time.Millisecond)
		if st.hasLatency {
			st.avgLatencyMS = latencyAlpha*ms + (1-latencyAlpha)*st.avgLatencyMS
		} else {
			st.avgLatencyMS = ms
			st.hasLatency = true
		}
	}

	recovered := false
	if success {
		st.consecutiveFailures = 0
		if st.probationLeft > 0 && !now.Before(st.cooldownUntil) {
			st.probationLeft--
			recovered = st.probationLeft == 0
		}
	} else {
		st.consecutiveFailures++
	}

	cooled := false
	var reason event.CooldownReason
	switch {
	case blocked:
		cooled, reason = true, event.CooldownBlocked
	case !success && st.consecutiveFailures >= p.failureThreshold:
		cooled, reason = true, event.CooldownFailureStreak
	}

	var cooldownUntil time.Time
	if cooled {
		st.cooldownUntil = now.Add(p.cooldown)
		st.probationLeft = p.probationSuccesses
		cooldownUntil = st.cooldownUntil
	}
	p.mu.Unlock()

	if cooled {
		p.logger.Warn("identity entered cooldown",
			"endpoint", endpoint,
			"reason", reason.String(),
			"until", cooldownUntil)
		p.bus.Publish(event.NewIdentityCooldownEvent(endpoint, reason, cooldownUntil))
	}
	if recovered {
		p.logger.Info("identity recovered from probation", "endpoint", endpoint)
		p.bus.Publish(event.NewIdentityRecoveredEvent(endpoint))
	}
	return nil
}

// Return ends an identity's lease, making it selectable again. Called by
// the session pool when the bound session retires.
func (p *Pool) Return(endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.identities[endpoint]
	if !ok {
		return errs.ErrIdentityNotFound
	}
	if !st.leased {
		return errs.ErrIdentityNotLeased
	}
	st.leased = false
	return nil
}

// IsCooling reports whether the identity is currently benched. Unknown
// endpoints report false.
func (p *Pool) IsCooling(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.identities[endpoint]
	if !ok {
		return false
	}
	return p.now().Before(st.cooldownUntil)
}

// Snapshot returns the health table of every identity, sorted by endpoint.
func (p *Pool) Snapshot() []IdentityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	statuses := make([]IdentityStatus, 0, len(p.order))
	for _, endpoint := range p.order {
		st := p.identities[endpoint]
		rate := 0.0
		if st.attempts() > 0 {
			rate = float64(st.successes) / float64(st.attempts())
		}
		statuses = append(statuses, IdentityStatus{
			Endpoint:            st.identity.Endpoint,
			Fingerprint:         st.identity.Fingerprint,
			Successes:           st.successes,
			Failures:            st.failures,
			SuccessRate:         rate,
			AvgLatencyMS:        st.avgLatencyMS,
			Weight:              st.weight(),
			ConsecutiveFailures: st.consecutiveFailures,
			Leased:              st.leased,
			Cooling:             now.Before(st.cooldownUntil),
			LastDomain:          st.lastDomain,
			CooldownUntil:       st.cooldownUntil,
			ProbationLeft:       st.probationLeft,
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Endpoint < statuses[j].Endpoint
	})
	return statuses
}
