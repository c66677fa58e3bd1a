package pressure

import (
	"context"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/logging"
)

// Level represents discretized memory pressure.
type Level int

const (
	// LevelNormal means memory usage is comfortably inside the budget.
	LevelNormal Level = iota
	// LevelHigh means usage crossed the high threshold; pools should shrink.
	LevelHigh
	// LevelCritical means usage crossed the critical threshold; task
	// admission halts until the ratio falls back below the high threshold.
	LevelCritical
)

// String returns the level name used in logs, events and status output.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sampler reports current memory consumption in bytes.
type Sampler func() (uint64, error)

// ProcessRSS samples the resident set size of the current process.
func ProcessRSS() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// Status is a point-in-time view of memory pressure.
type Status struct {
	Level    string  `json:"level"`
	Ratio    float64 `json:"ratio"`
	RSSBytes uint64  `json:"rss_bytes"`
	MaxBytes uint64  `json:"max_bytes"`
}

// Monitor periodically samples memory and tracks the pressure level.
type Monitor struct {
	mu       sync.Mutex
	level    Level
	ratio    float64
	rss      uint64
	handlers []func(Level)
	cancel   context.CancelFunc

	maxBytes      uint64
	highRatio     float64
	criticalRatio float64
	interval      time.Duration

	sampler Sampler
	bus     *event.Bus
	logger  *logging.Logger
}

// NewMonitor creates a memory pressure monitor. A nil sampler defaults
// to sampling the current process RSS.
func NewMonitor(cfg config.PressureConfig, sampler Sampler, bus *event.Bus, logger *logging.Logger) *Monitor {
	if sampler == nil {
		sampler = ProcessRSS
	}
	if bus == nil {
		bus = event.NewBus()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	maxBytes := cfg.MaxMemoryBytes()
	if maxBytes == 0 {
		maxBytes = 1
	}
	return &Monitor{
		maxBytes:      maxBytes,
		highRatio:     cfg.HighRatio,
		criticalRatio: cfg.CriticalRatio,
		interval:      cfg.SampleInterval(),
		sampler:       sampler,
		bus:           bus,
		logger:        logger.WithComponent("pressure"),
	}
}

// OnChange registers a callback invoked after every level transition.
// Multiple handlers may be registered; they run on the sampling
// goroutine and must not block.
func (m *Monitor) OnChange(handler func(Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Start samples once immediately, then on the configured interval until
// the context is cancelled or Stop is called. It blocks; run it on its
// own goroutine.
//
// A zero or negative interval disables the periodic loop, which is
// useful in tests that drive sampling manually.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.sample()

	if m.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Stop cancels the sampling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CurrentLevel returns the most recently computed pressure level.
func (m *Monitor) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Status reports the last sample alongside the configured budget.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Level:    m.level.String(),
		Ratio:    m.ratio,
		RSSBytes: m.rss,
		MaxBytes: m.maxBytes,
	}
}

func (m *Monitor) sample() {
	rss, err := m.sampler()
	if err != nil {
		m.logger.Warn("memory sample failed", "error", err)
		return
	}
	ratio := float64(rss) / float64(m.maxBytes)

	m.mu.Lock()
	prev := m.level
	next := m.transition(prev, ratio)
	m.level = next
	m.ratio = ratio
	m.rss = rss
	var handlers []func(Level)
	if next != prev {
		handlers = make([]func(Level), len(m.handlers))
		copy(handlers, m.handlers)
	}
	m.mu.Unlock()

	if next == prev {
		return
	}

	if next == LevelCritical {
		debug.FreeOSMemory()
		m.logger.Warn("memory pressure critical, halting admission",
			"ratio", ratio,
			"rss_bytes", rss)
	} else {
		m.logger.Info("memory pressure changed",
			"previous", prev.String(),
			"current", next.String(),
			"ratio", ratio)
	}

	m.bus.Publish(event.NewPressureChangedEvent(
		event.PressureLevel(prev.String()),
		event.PressureLevel(next.String()),
		ratio,
		rss,
	))
	for _, h := range handlers {
		h(next)
	}
}

// transition applies the level thresholds with critical hysteresis:
// once critical, the level stays critical until the ratio drops below
// the high threshold.
func (m *Monitor) transition(prev Level, ratio float64) Level {
	if prev == LevelCritical {
		if ratio >= m.highRatio {
			return LevelCritical
		}
		return LevelNormal
	}
	switch {
	case ratio > m.criticalRatio:
		return LevelCritical
	case ratio >= m.highRatio:
		return LevelHigh
	default:
		return LevelNormal
	}
}
