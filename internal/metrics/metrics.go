// Package metrics exposes engine activity as prometheus collectors.
// A Collector subscribes to the event bus and translates lifecycle
// events into counters and gauges, so the engine's subsystems carry
// no dependency on the metrics stack. The Server serves the registry
// at /metrics alongside the pprof handlers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/crawlgate/crawlgate/internal/event"
)

const namespace = "crawlgate"

// Collector owns the prometheus registry and keeps it current from
// bus events. Create one per engine, sharing the engine's bus.
type Collector struct {
	registry *prometheus.Registry
	bus      *event.Bus
	subID    string

	tasksSubmitted  prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksResolved   *prometheus.CounterVec
	taskFailures    *prometheus.CounterVec
	taskRetries     *prometheus.CounterVec
	taskAttempts    prometheus.Histogram

	queueReady   prometheus.Gauge
	queueWaiting prometheus.Gauge

	sessionsLive    prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsRetired *prometheus.CounterVec

	identityCooldowns  *prometheus.CounterVec
	identityRecoveries prometheus.Counter

	domainRPM    *prometheus.GaugeVec
	domainBlocks *prometheus.CounterVec
	burstResets  *prometheus.CounterVec

	pressureLevel prometheus.Gauge
	pressureRatio prometheus.Gauge
}

// NewCollector registers the engine metrics on a fresh registry and
// subscribes to bus. Call Close to detach from the bus.
func NewCollector(bus *event.Bus) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		bus:      bus,

		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted into the queue.",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Task attempts handed to a worker.",
		}),
		tasksResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_resolved_total",
			Help:      "Tasks that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Terminal task failures, by failure category.",
		}, []string{"category"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Tasks requeued for another attempt, by failure category.",
		}, []string{"category"}),
		taskAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Attempts consumed per resolved task.",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}),

		queueReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready",
			Help:      "Tasks eligible to run now.",
		}),
		queueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_waiting",
			Help:      "Tasks parked until a future ready time.",
		}),

		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Execution sessions currently provisioned.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Execution sessions provisioned since start.",
		}),
		sessionsRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_retired_total",
			Help:      "Execution sessions torn down, by reason.",
		}, []string{"reason"}),

		identityCooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_cooldowns_total",
			Help:      "Identities benched into cooldown, by reason.",
		}, []string{"reason"}),
		identityRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_recoveries_total",
			Help:      "Identities that completed probation.",
		}),

		domainRPM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "domain_rpm",
			Help:      "Current request rate per domain.",
		}, []string{"domain"}),
		domainBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_blocks_total",
			Help:      "Block responses observed, by domain.",
		}, []string{"domain"}),
		burstResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burst_resets_total",
			Help:      "Burst windows re-armed, by domain.",
		}, []string{"domain"}),

		pressureLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pressure_level",
			Help:      "Memory pressure level (0 normal, 1 high, 2 critical).",
		}),
		pressureRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pressure_ratio",
			Help:      "Observed RSS as a fraction of the memory budget.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksSubmitted,
		c.tasksDispatched,
		c.tasksResolved,
		c.taskFailures,
		c.taskRetries,
		c.taskAttempts,
		c.queueReady,
		c.queueWaiting,
		c.sessionsLive,
		c.sessionsCreated,
		c.sessionsRetired,
		c.identityCooldowns,
		c.identityRecoveries,
		c.domainRPM,
		c.domainBlocks,
		c.burstResets,
		c.pressureLevel,
		c.pressureRatio,
	)

	if bus != nil {
		c.subID = bus.SubscribeAll(c.handle)
	}
	return c
}

// Registry returns the underlying registry for serving or testing.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Close detaches the collector from the bus. The registry stays
// servable with its last observed values.
func (c *Collector) Close() {
	if c.bus != nil && c.subID != "" {
		c.bus.Unsubscribe(c.subID)
		c.subID = ""
	}
}

func (c *Collector) handle(e event.Event) {
	switch ev := e.(type) {
	case event.TaskSubmittedEvent:
		c.tasksSubmitted.Inc()
	case event.TaskDispatchedEvent:
		c.tasksDispatched.Inc()
	case event.TaskResolvedEvent:
		if ev.Success {
			c.tasksResolved.WithLabelValues("succeeded").Inc()
		} else {
			c.tasksResolved.WithLabelValues("failed").Inc()
			// Administrative failures (engine stopped) carry no
			// category and stay out of the per-category series.
			if ev.Category != "" {
				c.taskFailures.WithLabelValues(ev.Category).Inc()
			}
		}
		c.taskAttempts.Observe(float64(ev.Attempts))
	case event.TaskRetriedEvent:
		c.taskRetries.WithLabelValues(ev.Category).Inc()
	case event.QueueDepthEvent:
		c.queueReady.Set(float64(ev.Ready))
		c.queueWaiting.Set(float64(ev.Waiting))
	case event.SessionCreatedEvent:
		c.sessionsLive.Inc()
		c.sessionsCreated.Inc()
	case event.SessionRetiredEvent:
		c.sessionsLive.Dec()
		c.sessionsRetired.WithLabelValues(ev.Reason.String()).Inc()
	case event.IdentityCooldownEvent:
		c.identityCooldowns.WithLabelValues(ev.Reason.String()).Inc()
	case event.IdentityRecoveredEvent:
		c.identityRecoveries.Inc()
	case event.RateAdjustedEvent:
		c.domainRPM.WithLabelValues(ev.Domain).Set(ev.CurrentRPM)
	case event.DomainBlockedEvent:
		c.domainRPM.WithLabelValues(ev.Domain).Set(ev.CurrentRPM)
		c.domainBlocks.WithLabelValues(ev.Domain).Inc()
	case event.BurstResetEvent:
		c.burstResets.WithLabelValues(ev.Domain).Inc()
	case event.PressureChangedEvent:
		c.pressureLevel.Set(levelValue(ev.Current))
		c.pressureRatio.Set(ev.Ratio)
	}
}

func levelValue(l event.PressureLevel) float64 {
	switch l {
	case event.PressureHigh:
		return 1
	case event.PressureCritical:
		return 2
	default:
		return 0
	}
}
