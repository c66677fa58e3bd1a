package ratelimit

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/testutil"
)

func newTestController(t *testing.T) (*Controller, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	c := New(config.Default().Rate, nil, nil)
	c.now = clock.Now
	return c, clock
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestClassify(t *testing.T) {
	c, _ := newTestController(t)

	tests := []struct {
		domain string
		want   string
	}{
		{"google.com", "search"},
		{"www.google.com", "search"},
		{"api.bing.com", "search"},
		{"duckduckgo.com", "search"},
		{"facebook.com", "social"},
		{"business.linkedin.com", "social"},
		{"x.com", "social"},
		{"usa.gov", "government"},
		{"data.gov.uk", "government"},
		{"ec.europa.eu", "government"},
		{"example.com", "business"},
		{"shop.example.co.uk", "business"},
		{"WWW.GOOGLE.COM", "search"},
		{"usa.gov.", "government"},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			if got := c.classify(normalizeDomain(tt.domain)); got != tt.want {
				t.Errorf("classify(%q) = %q, want %q", tt.domain, got, tt.want)
			}
		})
	}
}

func TestClassAssignedAtFirstEncounter(t *testing.T) {
	c, _ := newTestController(t)

	c.RecordOutcome("shop.google.com", true, false)

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() returned %d domains, want 1", len(snap))
	}
	if snap[0].Class != "search" {
		t.Errorf("Class = %q, want %q", snap[0].Class, "search")
	}
	if !approxEqual(snap[0].BaseRPM, 12) {
		t.Errorf("BaseRPM = %v, want 12", snap[0].BaseRPM)
	}
	if !approxEqual(snap[0].CurrentRPM, 12) {
		t.Errorf("CurrentRPM = %v, want 12", snap[0].CurrentRPM)
	}
}

func TestDelay(t *testing.T) {
	c, _ := newTestController(t)

	// business class runs at 20 rpm -> 3s between requests
	if got := c.Delay("example.com"); got != 3*time.Second {
		t.Errorf("Delay(example.com) = %v, want 3s", got)
	}

	// search class runs at 12 rpm -> 5s between requests
	if got := c.Delay("google.com"); got != 5*time.Second {
		t.Errorf("Delay(google.com) = %v, want 5s", got)
	}
}

func TestDelay_FallbackWhenRateNotPositive(t *testing.T) {
	cfg := config.RateConfig{
		TargetSuccessRate: 0.9,
		DefaultClass:      "broken",
		Classes:           map[string]config.ClassConfig{"broken": {BaseRPM: 0}},
	}
	c := New(cfg, nil, nil)

	if got := c.Delay("example.com"); got != fallbackDelay {
		t.Errorf("Delay() = %v, want fallback %v", got, fallbackDelay)
	}
}

func TestMayProceed_Pacing(t *testing.T) {
	c, clock := newTestController(t)

	// First request to a fresh domain is granted immediately.
	if !c.MayProceed("example.com") {
		t.Fatal("first MayProceed should be granted")
	}

	// Second request inside the 3s pacing interval is denied.
	if c.MayProceed("example.com") {
		t.Error("MayProceed inside the pacing interval should be denied")
	}

	clock.Advance(2 * time.Second)
	if c.MayProceed("example.com") {
		t.Error("MayProceed at 2s of a 3s interval should be denied")
	}

	clock.Advance(time.Second)
	if !c.MayProceed("example.com") {
		t.Error("MayProceed after the full interval should be granted")
	}
}

func TestMayProceed_DomainsIndependent(t *testing.T) {
	c, _ := newTestController(t)

	if !c.MayProceed("a.example.com") {
		t.Error("first request to a.example.com should be granted")
	}
	if !c.MayProceed("b.example.com") {
		t.Error("pacing of a.example.com should not gate b.example.com")
	}
}

// Ten consecutive successes at base 12 rpm grow the rate to 14.4,
// and sustained success saturates at the 3x cap.
func TestRecordOutcome_GrowthAndCap(t *testing.T) {
	c, _ := newTestController(t)

	for range 10 {
		c.RecordOutcome("google.com", true, false)
	}

	snap := c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 14.4) {
		t.Fatalf("CurrentRPM after 10 successes = %v, want 14.4", snap[0].CurrentRPM)
	}

	// 90 more successes would overshoot 3x base without the cap.
	for range 90 {
		c.RecordOutcome("google.com", true, false)
	}

	snap = c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 36) {
		t.Errorf("CurrentRPM after sustained success = %v, want cap 36", snap[0].CurrentRPM)
	}
}

func TestRecordOutcome_ShrinkAndFloor(t *testing.T) {
	c, _ := newTestController(t)

	for range 10 {
		c.RecordOutcome("google.com", false, false)
	}

	snap := c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 10) {
		t.Fatalf("CurrentRPM after 10 failures = %v, want 10", snap[0].CurrentRPM)
	}

	for range 90 {
		c.RecordOutcome("google.com", false, false)
	}

	// 12 / 1.2^k bottoms out at the 0.25x base floor.
	snap = c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 3) {
		t.Errorf("CurrentRPM after sustained failure = %v, want floor 3", snap[0].CurrentRPM)
	}
}

func TestRecordOutcome_MidBandHoldsRate(t *testing.T) {
	c, _ := newTestController(t)

	// 8 of 10 successes: 0.8 sits between 0.72 and 0.9, so no adjustment.
	for i := range 10 {
		c.RecordOutcome("google.com", i >= 2, false)
	}

	snap := c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 12) {
		t.Errorf("CurrentRPM = %v, want unchanged 12", snap[0].CurrentRPM)
	}
	if !approxEqual(snap[0].SuccessRate, 0.8) {
		t.Errorf("SuccessRate = %v, want 0.8", snap[0].SuccessRate)
	}
}

func TestRecordOutcome_AdjustsOnlyEveryTenth(t *testing.T) {
	c, _ := newTestController(t)

	for range 9 {
		c.RecordOutcome("google.com", true, false)
	}

	snap := c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 12) {
		t.Errorf("CurrentRPM after 9 outcomes = %v, want unchanged 12", snap[0].CurrentRPM)
	}
}

// A blocked outcome halves the rate immediately and freezes the domain
// for 60 seconds on the first block.
func TestRecordOutcome_Blocked(t *testing.T) {
	c, clock := newTestController(t)
	start := clock.Now()

	c.RecordOutcome("google.com", false, true)

	snap := c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 6) {
		t.Errorf("CurrentRPM after block = %v, want 6", snap[0].CurrentRPM)
	}
	if got, want := snap[0].BlockedUntil, start.Add(60*time.Second); !got.Equal(want) {
		t.Errorf("BlockedUntil = %v, want %v", got, want)
	}
	if snap[0].ConsecutiveBlocks != 1 {
		t.Errorf("ConsecutiveBlocks = %d, want 1", snap[0].ConsecutiveBlocks)
	}

	if c.MayProceed("google.com") {
		t.Error("MayProceed during the block window should be denied")
	}

	clock.Advance(59 * time.Second)
	if c.MayProceed("google.com") {
		t.Error("MayProceed at 59s of a 60s block should be denied")
	}

	clock.Advance(2 * time.Second)
	if !c.MayProceed("google.com") {
		t.Error("MayProceed after the block expires should be granted")
	}
}

func TestRecordOutcome_BlockedFloor(t *testing.T) {
	c, _ := newTestController(t)

	// Repeated blocks halve 12 -> 6 -> 3 -> 1.5 -> 1, floored at 1 rpm.
	for range 5 {
		c.RecordOutcome("google.com", false, true)
	}

	snap := c.Snapshot()
	if !approxEqual(snap[0].CurrentRPM, 1) {
		t.Errorf("CurrentRPM after repeated blocks = %v, want floor 1", snap[0].CurrentRPM)
	}
}

func TestRecordOutcome_BlockBackoffDoubles(t *testing.T) {
	c, clock := newTestController(t)

	c.RecordOutcome("google.com", false, true)
	clock.Advance(90 * time.Second)
	second := clock.Now()
	c.RecordOutcome("google.com", false, true)

	snap := c.Snapshot()
	if got, want := snap[0].BlockedUntil, second.Add(120*time.Second); !got.Equal(want) {
		t.Errorf("BlockedUntil after second block = %v, want %v", got, want)
	}
	if snap[0].ConsecutiveBlocks != 2 {
		t.Errorf("ConsecutiveBlocks = %d, want 2", snap[0].ConsecutiveBlocks)
	}
}

func TestRecordOutcome_SuccessResetsBlockStreak(t *testing.T) {
	c, clock := newTestController(t)

	c.RecordOutcome("google.com", false, true)
	clock.Advance(2 * time.Minute)
	c.RecordOutcome("google.com", true, false)

	snap := c.Snapshot()
	if snap[0].ConsecutiveBlocks != 0 {
		t.Fatalf("ConsecutiveBlocks after success = %d, want 0", snap[0].ConsecutiveBlocks)
	}

	// The streak reset means the next block starts over at 60s.
	next := clock.Now()
	c.RecordOutcome("google.com", false, true)
	snap = c.Snapshot()
	if got, want := snap[0].BlockedUntil, next.Add(60*time.Second); !got.Equal(want) {
		t.Errorf("BlockedUntil = %v, want %v", got, want)
	}
}

func TestRecordOutcome_FailureDoesNotResetBlockStreak(t *testing.T) {
	c, clock := newTestController(t)

	c.RecordOutcome("google.com", false, true)
	clock.Advance(2 * time.Minute)
	c.RecordOutcome("google.com", false, false)

	snap := c.Snapshot()
	if snap[0].ConsecutiveBlocks != 1 {
		t.Errorf("ConsecutiveBlocks after plain failure = %d, want 1", snap[0].ConsecutiveBlocks)
	}
}

func TestResetBurst_ElevatesRate(t *testing.T) {
	c, clock := newTestController(t)

	if got := c.Delay("google.com"); got != 5*time.Second {
		t.Fatalf("Delay before burst = %v, want 5s", got)
	}

	// search class bursts at 30 rpm for 60s -> 2s between requests
	c.ResetBurst("google.com")
	if got := c.Delay("google.com"); got != 2*time.Second {
		t.Errorf("Delay during burst = %v, want 2s", got)
	}

	clock.Advance(61 * time.Second)
	if got := c.Delay("google.com"); got != 5*time.Second {
		t.Errorf("Delay after burst expiry = %v, want 5s", got)
	}
}

func TestResetBurst_Idempotent(t *testing.T) {
	c, clock := newTestController(t)
	start := clock.Now()

	c.ResetBurst("google.com")
	c.ResetBurst("google.com")

	snap := c.Snapshot()
	if got, want := snap[0].BurstUntil, start.Add(60*time.Second); !got.Equal(want) {
		t.Errorf("BurstUntil after double reset = %v, want %v", got, want)
	}
}

func TestResetBurst_RearmRestoresFullWindow(t *testing.T) {
	c, clock := newTestController(t)

	c.ResetBurst("google.com")
	clock.Advance(40 * time.Second)
	c.ResetBurst("google.com")

	snap := c.Snapshot()
	if got, want := snap[0].BurstUntil, clock.Now().Add(60*time.Second); !got.Equal(want) {
		t.Errorf("BurstUntil after re-arm = %v, want %v", got, want)
	}
}

func TestBurstRevokedByOverpacing(t *testing.T) {
	c, clock := newTestController(t)

	c.ResetBurst("google.com")
	if !c.MayProceed("google.com") {
		t.Fatal("first burst request should be granted")
	}

	// 1s is under the 2s burst interval: denied, and the burst is revoked.
	clock.Advance(time.Second)
	if c.MayProceed("google.com") {
		t.Fatal("request faster than the burst rate should be denied")
	}

	if got := c.Delay("google.com"); got != 5*time.Second {
		t.Errorf("Delay after revoked burst = %v, want base 5s", got)
	}
}

func TestNextEligible(t *testing.T) {
	c, clock := newTestController(t)
	now := clock.Now()

	t.Run("fresh domain is eligible now", func(t *testing.T) {
		if got := c.NextEligible("fresh.example.com"); !got.Equal(now) {
			t.Errorf("NextEligible() = %v, want %v", got, now)
		}
	})

	t.Run("after a grant", func(t *testing.T) {
		c.MayProceed("example.com")
		want := now.Add(3 * time.Second)
		if got := c.NextEligible("example.com"); !got.Equal(want) {
			t.Errorf("NextEligible() = %v, want %v", got, want)
		}
	})

	t.Run("block dominates pacing", func(t *testing.T) {
		c.RecordOutcome("example.com", false, true)
		want := now.Add(60 * time.Second)
		if got := c.NextEligible("example.com"); !got.Equal(want) {
			t.Errorf("NextEligible() = %v, want %v", got, want)
		}
	})

	t.Run("never in the past", func(t *testing.T) {
		clock.Advance(10 * time.Minute)
		if got := c.NextEligible("example.com"); !got.Equal(clock.Now()) {
			t.Errorf("NextEligible() = %v, want %v", got, clock.Now())
		}
	})
}

// Over any simulated 60-second window, the number of granted requests
// stays within the domain's current rpm.
func TestPacingBoundsRequestRate(t *testing.T) {
	c, clock := newTestController(t)

	grants := 0
	for range 60 {
		if c.MayProceed("google.com") {
			grants++
		}
		clock.Advance(time.Second)
	}

	if grants > 12 {
		t.Errorf("granted %d requests in 60s at 12 rpm", grants)
	}
	if grants < 12 {
		t.Errorf("granted only %d requests in 60s at 12 rpm, want 12", grants)
	}
}

func TestSnapshot_SortedByDomain(t *testing.T) {
	c, _ := newTestController(t)

	c.RecordOutcome("zeta.example.com", true, false)
	c.RecordOutcome("alpha.example.com", true, false)
	c.RecordOutcome("mid.example.com", true, false)

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() returned %d domains, want 3", len(snap))
	}

	want := []string{"alpha.example.com", "mid.example.com", "zeta.example.com"}
	for i, domain := range want {
		if snap[i].Domain != domain {
			t.Errorf("snap[%d].Domain = %q, want %q", i, snap[i].Domain, domain)
		}
	}
}

func TestEventsPublished(t *testing.T) {
	bus := event.NewBus()
	clock := testutil.NewClock()
	c := New(config.Default().Rate, bus, nil)
	c.now = clock.Now

	var adjusted []event.RateAdjustedEvent
	var blocked []event.DomainBlockedEvent
	var bursts []event.BurstResetEvent
	bus.Subscribe("rate.adjusted", func(e event.Event) {
		adjusted = append(adjusted, e.(event.RateAdjustedEvent))
	})
	bus.Subscribe("rate.blocked", func(e event.Event) {
		blocked = append(blocked, e.(event.DomainBlockedEvent))
	})
	bus.Subscribe("rate.burst_reset", func(e event.Event) {
		bursts = append(bursts, e.(event.BurstResetEvent))
	})

	for range 10 {
		c.RecordOutcome("google.com", true, false)
	}
	c.RecordOutcome("google.com", false, true)
	c.ResetBurst("google.com")

	if len(adjusted) != 1 {
		t.Fatalf("got %d rate.adjusted events, want 1", len(adjusted))
	}
	if !approxEqual(adjusted[0].PreviousRPM, 12) || !approxEqual(adjusted[0].CurrentRPM, 14.4) {
		t.Errorf("adjusted event rpm %v -> %v, want 12 -> 14.4",
			adjusted[0].PreviousRPM, adjusted[0].CurrentRPM)
	}

	if len(blocked) != 1 {
		t.Fatalf("got %d rate.blocked events, want 1", len(blocked))
	}
	if blocked[0].Domain != "google.com" || blocked[0].ConsecutiveBlocks != 1 {
		t.Errorf("blocked event = %+v, want google.com with streak 1", blocked[0])
	}

	if len(bursts) != 1 {
		t.Fatalf("got %d rate.burst_reset events, want 1", len(bursts))
	}
	if !approxEqual(bursts[0].BurstRPM, 30) {
		t.Errorf("burst event rpm = %v, want 30", bursts[0].BurstRPM)
	}
}

func TestConcurrentDomains(t *testing.T) {
	c, _ := newTestController(t)

	domains := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}

	var wg sync.WaitGroup
	for _, domain := range domains {
		wg.Go(func() {
			for i := range 100 {
				c.RecordOutcome(domain, i%3 != 0, false)
				c.MayProceed(domain)
				c.Delay(domain)
			}
		})
	}
	wg.Wait()

	snap := c.Snapshot()
	if len(snap) != len(domains) {
		t.Errorf("Snapshot() returned %d domains, want %d", len(snap), len(domains))
	}
	for _, st := range snap {
		if st.Outcomes != 100 {
			t.Errorf("domain %s recorded %d outcomes, want 100", st.Domain, st.Outcomes)
		}
	}
}
