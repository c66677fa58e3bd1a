package pressure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/testutil"
)

const mb = 1024 * 1024

func testPressureConfig() config.PressureConfig {
	return config.PressureConfig{
		MaxMemoryMB:      100,
		SampleIntervalMs: 0,
		HighRatio:        0.7,
		CriticalRatio:    0.9,
	}
}

func newTestMonitor(rss *atomic.Uint64) *Monitor {
	sampler := func() (uint64, error) { return rss.Load(), nil }
	return NewMonitor(testPressureConfig(), sampler, nil, nil)
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelNormal, "normal"},
		{LevelHigh, "high"},
		{LevelCritical, "critical"},
		{Level(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestSample_Thresholds(t *testing.T) {
	tests := []struct {
		name string
		rss  uint64
		want Level
	}{
		{"well under budget", 50 * mb, LevelNormal},
		{"just under high", 69 * mb, LevelNormal},
		{"at high threshold", 70 * mb, LevelHigh},
		{"at critical threshold", 90 * mb, LevelHigh},
		{"over critical threshold", 91 * mb, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rss atomic.Uint64
			rss.Store(tt.rss)
			m := newTestMonitor(&rss)
			m.sample()
			if got := m.CurrentLevel(); got != tt.want {
				t.Errorf("CurrentLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSample_CriticalHoldsUntilBelowHigh(t *testing.T) {
	var rss atomic.Uint64
	m := newTestMonitor(&rss)

	rss.Store(95 * mb)
	m.sample()
	if got := m.CurrentLevel(); got != LevelCritical {
		t.Fatalf("CurrentLevel() = %v, want critical", got)
	}

	// Dropping into the high band is not enough to clear critical.
	rss.Store(85 * mb)
	m.sample()
	if got := m.CurrentLevel(); got != LevelCritical {
		t.Errorf("CurrentLevel() at 0.85 = %v, want critical to hold", got)
	}

	rss.Store(69 * mb)
	m.sample()
	if got := m.CurrentLevel(); got != LevelNormal {
		t.Errorf("CurrentLevel() at 0.69 = %v, want normal", got)
	}

	// Ordinary classification resumes after recovery.
	rss.Store(75 * mb)
	m.sample()
	if got := m.CurrentLevel(); got != LevelHigh {
		t.Errorf("CurrentLevel() at 0.75 = %v, want high", got)
	}
}

func TestOnChange_FiresOnTransitionsOnly(t *testing.T) {
	var rss atomic.Uint64
	m := newTestMonitor(&rss)

	var transitions []Level
	m.OnChange(func(l Level) { transitions = append(transitions, l) })

	rss.Store(50 * mb)
	m.sample() // normal -> normal, no transition
	rss.Store(75 * mb)
	m.sample() // -> high
	m.sample() // high -> high, no transition
	rss.Store(95 * mb)
	m.sample() // -> critical
	rss.Store(50 * mb)
	m.sample() // -> normal

	want := []Level{LevelHigh, LevelCritical, LevelNormal}
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions %v, want %v", len(transitions), transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestSample_PublishesEvent(t *testing.T) {
	bus := event.NewBus()
	var events []event.PressureChangedEvent
	bus.Subscribe("pressure.changed", func(e event.Event) {
		events = append(events, e.(event.PressureChangedEvent))
	})

	var rss atomic.Uint64
	rss.Store(75 * mb)
	sampler := func() (uint64, error) { return rss.Load(), nil }
	m := NewMonitor(testPressureConfig(), sampler, bus, nil)
	m.sample()

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Previous != event.PressureNormal || e.Current != event.PressureHigh {
		t.Errorf("transition = %s -> %s, want normal -> high", e.Previous, e.Current)
	}
	if e.RSSBytes != 75*mb {
		t.Errorf("RSSBytes = %d, want %d", e.RSSBytes, 75*mb)
	}
	if e.Ratio != 0.75 {
		t.Errorf("Ratio = %v, want 0.75", e.Ratio)
	}
}

func TestSample_ErrorKeepsLevel(t *testing.T) {
	var rss atomic.Uint64
	var fail atomic.Bool
	sampler := func() (uint64, error) {
		if fail.Load() {
			return 0, errors.New("process stats unavailable")
		}
		return rss.Load(), nil
	}
	m := NewMonitor(testPressureConfig(), sampler, nil, nil)

	rss.Store(95 * mb)
	m.sample()
	if got := m.CurrentLevel(); got != LevelCritical {
		t.Fatalf("CurrentLevel() = %v, want critical", got)
	}

	fail.Store(true)
	m.sample()
	if got := m.CurrentLevel(); got != LevelCritical {
		t.Errorf("CurrentLevel() after failed sample = %v, want critical retained", got)
	}
	if got := m.Status().RSSBytes; got != 95*mb {
		t.Errorf("Status().RSSBytes = %d, want last good sample %d", got, 95*mb)
	}
}

func TestStatus(t *testing.T) {
	var rss atomic.Uint64
	rss.Store(75 * mb)
	m := newTestMonitor(&rss)
	m.sample()

	st := m.Status()
	if st.Level != "high" {
		t.Errorf("Level = %q, want %q", st.Level, "high")
	}
	if st.Ratio != 0.75 {
		t.Errorf("Ratio = %v, want 0.75", st.Ratio)
	}
	if st.RSSBytes != 75*mb || st.MaxBytes != 100*mb {
		t.Errorf("bytes = %d/%d, want %d/%d", st.RSSBytes, st.MaxBytes, 75*mb, 100*mb)
	}
}

func TestStartStop(t *testing.T) {
	cfg := testPressureConfig()
	cfg.SampleIntervalMs = 5

	var rss atomic.Uint64
	rss.Store(95 * mb)
	sampler := func() (uint64, error) { return rss.Load(), nil }
	m := NewMonitor(cfg, sampler, nil, nil)

	go m.Start(context.Background())
	testutil.WaitFor(t, time.Second, func() bool {
		return m.CurrentLevel() == LevelCritical
	}, "monitor never observed critical pressure")

	rss.Store(50 * mb)
	testutil.WaitFor(t, time.Second, func() bool {
		return m.CurrentLevel() == LevelNormal
	}, "monitor never recovered to normal")

	m.Stop()
	time.Sleep(20 * time.Millisecond)
	rss.Store(95 * mb)
	time.Sleep(20 * time.Millisecond)
	if got := m.CurrentLevel(); got != LevelNormal {
		t.Errorf("CurrentLevel() after Stop = %v, want normal (loop stopped)", got)
	}
}
