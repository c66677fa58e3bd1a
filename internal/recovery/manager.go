// Package recovery maps failure categories onto remediation directives.
//
// The taxonomy is a closed set defined in internal/errors; the Manager
// holds one strategy per category and refuses nothing: every failed
// attempt resolves to retry, defer, or fail. Retries carry exponential
// backoff and consume the task's attempt budget; resource deferrals are
// free, since the task never actually ran.
package recovery

import (
	"time"

	"github.com/crawlgate/crawlgate/internal/config"
	"github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/logging"
)

// Action is what the orchestrator should do with a failed task.
type Action int

const (
	// ActionRetry re-queues the task after the directive's delay.
	ActionRetry Action = iota
	// ActionDefer re-queues without consuming a retry attempt.
	ActionDefer
	// ActionFail resolves the task as terminally failed.
	ActionFail
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDefer:
		return "defer"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Directive is the remediation for one failed attempt.
type Directive struct {
	Action Action
	// Delay is how long to wait before the task becomes ready again.
	Delay time.Duration
	// PoisonSession marks the attempt's session unusable so the pool
	// retires it instead of reusing its state.
	PoisonSession bool
	// ReplaceIdentity forces the next attempt onto a different identity.
	ReplaceIdentity bool
	// ConsumesAttempt reports whether this failure counts against the
	// task's retry budget.
	ConsumesAttempt bool
}

// strategy computes the directive for one failure category.
type strategy func(attempt int) Directive

// Manager chooses remediation strategies for failed task attempts.
type Manager struct {
	maxRetries    int
	backoffBase   time.Duration
	backoffCap    time.Duration
	resourceDelay time.Duration

	strategies map[errors.FailureCategory]strategy
	logger     *logging.Logger
}

// NewManager creates a recovery manager from the retry configuration.
func NewManager(cfg config.RecoveryConfig, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := &Manager{
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.BackoffBase(),
		backoffCap:    cfg.BackoffCap(),
		resourceDelay: cfg.ResourceRetryDelay(),
		logger:        logger.WithComponent("recovery"),
	}
	m.strategies = map[errors.FailureCategory]strategy{
		errors.CategoryNetwork: func(attempt int) Directive {
			return Directive{
				Action:          ActionRetry,
				Delay:           m.backoff(attempt),
				ConsumesAttempt: true,
			}
		},
		errors.CategoryBlocked: func(attempt int) Directive {
			return Directive{
				Action:          ActionRetry,
				Delay:           m.backoff(attempt),
				PoisonSession:   true,
				ReplaceIdentity: true,
				ConsumesAttempt: true,
			}
		},
		errors.CategorySession: func(attempt int) Directive {
			return Directive{
				Action:          ActionRetry,
				Delay:           m.backoff(attempt),
				PoisonSession:   true,
				ConsumesAttempt: true,
			}
		},
		errors.CategoryResource: func(int) Directive {
			return Directive{
				Action: ActionDefer,
				Delay:  m.resourceDelay,
			}
		},
		errors.CategoryData: func(int) Directive {
			return Directive{Action: ActionFail}
		},
	}
	return m
}

// Decide returns the directive for a failure of the given category on
// the given 1-based attempt. Retry-consuming categories fail once the
// retry budget is spent; deferrals never spend it.
func (m *Manager) Decide(category errors.FailureCategory, attempt int) Directive {
	strat, ok := m.strategies[category]
	if !ok {
		m.logger.Warn("no strategy for failure category, failing task",
			"category", category.String())
		return Directive{Action: ActionFail}
	}

	d := strat(attempt)
	if d.ConsumesAttempt && attempt > m.maxRetries {
		d = Directive{
			Action:          ActionFail,
			PoisonSession:   d.PoisonSession,
			ReplaceIdentity: d.ReplaceIdentity,
		}
	}

	m.logger.Debug("recovery directive",
		"category", category.String(),
		"attempt", attempt,
		"action", d.Action.String(),
		"delay", d.Delay)
	return d
}

// backoff computes the retry delay for a 1-based attempt number:
// base doubled per prior attempt, capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.backoffCap {
			return m.backoffCap
		}
	}
	return min(d, m.backoffCap)
}
