package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/identity"
	"github.com/crawlgate/crawlgate/internal/testutil"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		MaxPoolSize:           3,
		LifetimeCap:           10,
		AcquireTimeoutSeconds: 1,
	}
}

func newTestPool(t *testing.T, cfg config.SessionConfig, identityCount int) (*Pool, *identity.Pool, *testutil.Clock) {
	t.Helper()
	endpoints := make([]config.EndpointConfig, identityCount)
	for i := range endpoints {
		endpoints[i] = config.EndpointConfig{
			Endpoint:    fmt.Sprintf("proxy-%c:8080", 'a'+i),
			Fingerprint: "chrome-120",
		}
	}
	idents := identity.NewPool(config.IdentityConfig{
		Endpoints:          endpoints,
		FailureThreshold:   5,
		CooldownSeconds:    300,
		ProbationSuccesses: 3,
	}, nil, nil)
	clock := testutil.NewClock()
	p := New(cfg, idents, nil, nil)
	p.now = clock.Now
	return p, idents, clock
}

func TestAcquire_CreatesSession(t *testing.T) {
	p, _, _ := newTestPool(t, testSessionConfig(), 3)

	s, err := p.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s.ID == "" {
		t.Error("session ID is empty")
	}
	if s.Identity.Endpoint == "" {
		t.Error("session has no bound identity")
	}

	u := p.Utilization()
	if u.Live != 1 || u.Loaned != 1 || u.Created != 1 {
		t.Errorf("Utilization() = %+v, want 1 live, 1 loaned, 1 created", u)
	}
}

func TestAcquire_ReusesFreedSession(t *testing.T) {
	p, _, _ := newTestPool(t, testSessionConfig(), 3)

	s1, err := p.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Release(s1, false); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	s2, err := p.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s2.ID != s1.ID {
		t.Errorf("Acquire() created %s, want reuse of %s", s2.ID, s1.ID)
	}
	if got := p.Utilization().Created; got != 1 {
		t.Errorf("Created = %d, want 1", got)
	}
}

func TestAcquire_PrefersDomainAffinity(t *testing.T) {
	p, _, clock := newTestPool(t, testSessionConfig(), 3)
	ctx := context.Background()

	s1, _ := p.Acquire(ctx, "a.com")
	s2, _ := p.Acquire(ctx, "b.com")
	p.Release(s1, false)
	clock.Advance(time.Second)
	p.Release(s2, false)

	// s2 was used more recently, but affinity wins.
	got, err := p.Acquire(ctx, "a.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got.ID != s1.ID {
		t.Errorf("Acquire(a.com) = %s, want affinity match %s", got.ID, s1.ID)
	}

	got2, err := p.Acquire(ctx, "b.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got2.ID != s2.ID {
		t.Errorf("Acquire(b.com) = %s, want affinity match %s", got2.ID, s2.ID)
	}
}

func TestAcquire_TimesOutWhenAllLoaned(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPoolSize = 2
	p, _, _ := newTestPool(t, cfg, 3)
	p.acquireTimeout = 30 * time.Millisecond
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "a.com"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "a.com"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := p.Acquire(ctx, "a.com"); !errors.Is(err, errs.ErrAcquireTimeout) {
		t.Errorf("Acquire() with all loaned = %v, want ErrAcquireTimeout", err)
	}

	u := p.Utilization()
	if u.Live != 2 || u.Created != 2 {
		t.Errorf("Utilization() = %+v, pool must not grow past capacity", u)
	}
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPoolSize = 1
	p, _, _ := newTestPool(t, cfg, 2)
	p.acquireTimeout = 2 * time.Second
	ctx := context.Background()

	s1, err := p.Acquire(ctx, "a.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := p.Acquire(ctx, "a.com")
		done <- result{s, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Release(s1, false); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("waiting Acquire() error = %v", r.err)
		}
		if r.s.ID != s1.ID {
			t.Errorf("waiting Acquire() = %s, want reuse of %s", r.s.ID, s1.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting Acquire() did not return after Release")
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPoolSize = 1
	p, _, _ := newTestPool(t, cfg, 2)
	p.acquireTimeout = 5 * time.Second

	if _, err := p.Acquire(context.Background(), "a.com"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "a.com")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire() after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire() did not observe cancellation")
	}
}

func TestAcquire_IdentityExhausted(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPoolSize = 2
	p, _, _ := newTestPool(t, cfg, 1)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "a.com"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// A vacant slot exists but the only identity is leased.
	if _, err := p.Acquire(ctx, "a.com"); !errors.Is(err, errs.ErrNoIdentityAvailable) {
		t.Errorf("Acquire() = %v, want ErrNoIdentityAvailable", err)
	}
}

func TestRelease_PoisonedRetires(t *testing.T) {
	p, _, _ := newTestPool(t, testSessionConfig(), 3)
	ctx := context.Background()

	s, _ := p.Acquire(ctx, "a.com")
	if err := p.Release(s, true); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	u := p.Utilization()
	if u.Live != 0 || u.Retired != 1 {
		t.Errorf("Utilization() = %+v, want 0 live, 1 retired", u)
	}

	// The retired session's identity is back in rotation.
	s2, err := p.Acquire(ctx, "a.com")
	if err != nil {
		t.Fatalf("Acquire() after retire error = %v", err)
	}
	if s2.ID == s.ID {
		t.Error("poisoned session was handed out again")
	}
}

func TestRelease_LifetimeCapRetires(t *testing.T) {
	cfg := testSessionConfig()
	cfg.LifetimeCap = 2
	p, _, _ := newTestPool(t, cfg, 3)
	ctx := context.Background()

	s1, _ := p.Acquire(ctx, "a.com")
	p.Release(s1, false)
	again, _ := p.Acquire(ctx, "a.com")
	if again.ID != s1.ID {
		t.Fatalf("expected reuse before the cap, got %s", again.ID)
	}
	p.Release(again, false)

	u := p.Utilization()
	if u.Live != 0 || u.Retired != 1 {
		t.Errorf("Utilization() = %+v, want retirement at the lifetime cap", u)
	}
}

func TestRelease_Errors(t *testing.T) {
	p, _, _ := newTestPool(t, testSessionConfig(), 3)

	if err := p.Release(nil, false); !errors.Is(err, errs.ErrSessionNotLoaned) {
		t.Errorf("Release(nil) = %v, want ErrSessionNotLoaned", err)
	}

	s, _ := p.Acquire(context.Background(), "a.com")
	if err := p.Release(s, false); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := p.Release(s, false); !errors.Is(err, errs.ErrSessionNotLoaned) {
		t.Errorf("double Release() = %v, want ErrSessionNotLoaned", err)
	}
}

// 100 tasks against a pool of 5 with a lifetime cap of 10 must create
// exactly 10 sessions: each serves a full lifetime before retirement.
func TestSessionReuse_ExactCreationCount(t *testing.T) {
	cfg := config.SessionConfig{
		MaxPoolSize:           5,
		LifetimeCap:           10,
		AcquireTimeoutSeconds: 1,
	}
	p, _, _ := newTestPool(t, cfg, 5)
	ctx := context.Background()

	for range 100 {
		s, err := p.Acquire(ctx, "example.com")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if err := p.Release(s, false); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}

	u := p.Utilization()
	if u.Created != 10 {
		t.Errorf("Created = %d, want exactly 10", u.Created)
	}
	if u.Retired != 10 || u.Live != 0 {
		t.Errorf("Utilization() = %+v, want all 10 sessions retired", u)
	}
}

func TestAcquire_ReplacesSessionWithCoolingIdentity(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxPoolSize = 2
	p, idents, _ := newTestPool(t, cfg, 3)
	ctx := context.Background()

	s1, _ := p.Acquire(ctx, "a.com")
	p.Release(s1, false)

	// Bench the identity the free session is bound to.
	if err := idents.Release(s1.Identity.Endpoint, false, 0, true); err != nil {
		t.Fatalf("identity Release() error = %v", err)
	}

	s2, err := p.Acquire(ctx, "a.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s2.ID == s1.ID {
		t.Error("session with cooling identity was handed out")
	}
	if s2.Identity.Endpoint == s1.Identity.Endpoint {
		t.Error("replacement session bound to the cooling identity")
	}

	u := p.Utilization()
	if u.Created != 2 || u.Retired != 1 {
		t.Errorf("Utilization() = %+v, want retire and replace", u)
	}
}

func TestTrimFree(t *testing.T) {
	p, _, clock := newTestPool(t, testSessionConfig(), 3)
	ctx := context.Background()

	s1, _ := p.Acquire(ctx, "a.com")
	s2, _ := p.Acquire(ctx, "b.com")
	s3, _ := p.Acquire(ctx, "c.com")
	p.Release(s1, false)
	clock.Advance(time.Second)
	p.Release(s2, false)
	clock.Advance(time.Second)
	p.Release(s3, false)

	if n := p.TrimFree(1); n != 2 {
		t.Fatalf("TrimFree(1) = %d, want 2", n)
	}
	u := p.Utilization()
	if u.Live != 1 || u.Free != 1 {
		t.Errorf("Utilization() = %+v, want a single free session left", u)
	}

	// The survivor is the most recently used one.
	got, err := p.Acquire(ctx, "c.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got.ID != s3.ID {
		t.Errorf("surviving session = %s, want most recent %s", got.ID, s3.ID)
	}

	if n := p.TrimFree(5); n != 0 {
		t.Errorf("TrimFree(5) = %d, want 0", n)
	}
}

func TestClose(t *testing.T) {
	p, _, _ := newTestPool(t, testSessionConfig(), 3)
	ctx := context.Background()

	free, _ := p.Acquire(ctx, "a.com")
	held, _ := p.Acquire(ctx, "b.com")
	p.Release(free, false)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	u := p.Utilization()
	if u.Live != 1 || u.Loaned != 1 || u.Retired != 1 {
		t.Errorf("Utilization() after Close = %+v, want only the loaned session live", u)
	}

	// The straggler retires on release.
	if err := p.Release(held, false); err != nil {
		t.Fatalf("Release() after Close error = %v", err)
	}
	if u := p.Utilization(); u.Live != 0 || u.Retired != 2 {
		t.Errorf("Utilization() = %+v, want everything retired", u)
	}

	if _, err := p.Acquire(ctx, "a.com"); !errors.Is(err, errs.ErrPoolClosed) {
		t.Errorf("Acquire() after Close = %v, want ErrPoolClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestSessionsHoldDistinctIdentities(t *testing.T) {
	p, _, _ := newTestPool(t, testSessionConfig(), 3)
	ctx := context.Background()

	endpoints := make(map[string]bool)
	for range 3 {
		s, err := p.Acquire(ctx, "a.com")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if endpoints[s.Identity.Endpoint] {
			t.Fatalf("identity %s bound to two live sessions", s.Identity.Endpoint)
		}
		endpoints[s.Identity.Endpoint] = true
	}
}

func TestEventsPublished(t *testing.T) {
	bus := event.NewBus()
	var created []event.SessionCreatedEvent
	var retired []event.SessionRetiredEvent
	bus.Subscribe("session.created", func(e event.Event) {
		created = append(created, e.(event.SessionCreatedEvent))
	})
	bus.Subscribe("session.retired", func(e event.Event) {
		retired = append(retired, e.(event.SessionRetiredEvent))
	})

	idents := identity.NewPool(config.IdentityConfig{
		Endpoints:        []config.EndpointConfig{{Endpoint: "proxy-a:8080", Fingerprint: "chrome-120"}},
		FailureThreshold: 5,
		CooldownSeconds:  300,
	}, nil, nil)
	p := New(testSessionConfig(), idents, bus, nil)

	s, err := p.Acquire(context.Background(), "a.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s, true)

	if len(created) != 1 {
		t.Fatalf("got %d created events, want 1", len(created))
	}
	if created[0].Domain != "a.com" || created[0].Endpoint != "proxy-a:8080" {
		t.Errorf("created event = %+v, want domain a.com via proxy-a:8080", created[0])
	}
	if len(retired) != 1 {
		t.Fatalf("got %d retired events, want 1", len(retired))
	}
	if retired[0].Reason != event.RetirePoisoned {
		t.Errorf("retire reason = %v, want RetirePoisoned", retired[0].Reason)
	}
	if retired[0].UsageCount != 1 {
		t.Errorf("retired usage = %d, want 1", retired[0].UsageCount)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	cfg := config.SessionConfig{
		MaxPoolSize:           4,
		LifetimeCap:           10,
		AcquireTimeoutSeconds: 1,
	}
	p, _, _ := newTestPool(t, cfg, 8)
	p.acquireTimeout = 2 * time.Second
	ctx := context.Background()
	domains := []string{"a.com", "b.com"}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 25 {
				s, err := p.Acquire(ctx, domains[(w+i)%2])
				if err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}
				if err := p.Release(s, false); err != nil {
					t.Errorf("Release() error = %v", err)
					return
				}
			}
		})
	}
	wg.Wait()

	u := p.Utilization()
	if u.Loaned != 0 {
		t.Errorf("Loaned = %d after all workers finished, want 0", u.Loaned)
	}
	if u.Live > 4 {
		t.Errorf("Live = %d, want at most the configured capacity", u.Live)
	}
}
