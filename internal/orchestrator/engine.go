package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlgate/crawlgate/internal/config"
	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/identity"
	"github.com/crawlgate/crawlgate/internal/logging"
	"github.com/crawlgate/crawlgate/internal/pressure"
	"github.com/crawlgate/crawlgate/internal/ratelimit"
	"github.com/crawlgate/crawlgate/internal/recovery"
	"github.com/crawlgate/crawlgate/internal/sessionpool"
	"github.com/crawlgate/crawlgate/internal/sink"
	"github.com/crawlgate/crawlgate/internal/taskqueue"
)

// IdempotencyKeyConstraint is the constraint name Submit consults for
// caller-side deduplication.
const IdempotencyKeyConstraint = "idempotency_key"

// minParkDelay floors the park time for rate-limited tasks so a
// stale eligibility read cannot spin the admission loop.
const minParkDelay = 50 * time.Millisecond

// TaskHandle identifies a submitted task.
type TaskHandle struct {
	ID     string
	Domain string
}

// liveTask is the engine's bookkeeping for a task between submission
// and resolution.
type liveTask struct {
	task        *taskqueue.Task
	key         string
	submittedAt time.Time
	attempts    []sink.Attempt
}

// Deps are the engine's injected collaborators. Nil fields are
// replaced with working defaults: a stub executor, an in-memory
// sink, the process RSS sampler, a fresh bus, and a nop logger. A nil
// IdentityProvider leaves the identity fleet fixed at the configured
// endpoints.
type Deps struct {
	Executor Executor
	Sink     sink.Sink
	Sampler  pressure.Sampler
	Bus      *event.Bus
	Logger   *logging.Logger
	// IdentityProvider supplies replacement identities when every
	// configured endpoint is leased or cooling.
	IdentityProvider identity.Provider
}

// Engine is the top-level scheduler. It owns the task queue and the
// rate, identity, session, pressure, and recovery subsystems, and
// coordinates them through a single admission loop plus a bounded
// worker pool.
type Engine struct {
	mu         sync.Mutex
	tasks      map[string]*liveTask
	byKey      map[string]string
	idleCh     chan struct{}
	inflight   int
	delivering int
	started    bool
	stopped    bool
	cancel     context.CancelFunc

	submitted  uint64
	dispatched uint64
	succeeded  uint64
	failed     uint64
	retries    uint64
	deferrals  uint64

	cfg        *config.Config
	queue      *taskqueue.Queue
	rate       *ratelimit.Controller
	identities *identity.Pool
	sessions   *sessionpool.Pool
	monitor    *pressure.Monitor
	recovery   *recovery.Manager
	executor   Executor
	snk        sink.Sink
	bus        *event.Bus
	logger     *logging.Logger

	dispatch chan *taskqueue.Task
	wakeCh   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	workers  sync.WaitGroup
	aux      sync.WaitGroup

	now func() time.Time
}

// New assembles an engine from cfg. The subsystems are constructed
// here, leaves first, and share the engine's bus and logger.
func New(cfg *config.Config, deps Deps) *Engine {
	if deps.Bus == nil {
		deps.Bus = event.NewBus()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	if deps.Executor == nil {
		deps.Executor = NewStubExecutor()
	}
	if deps.Sink == nil {
		deps.Sink = sink.NewMemory()
	}

	var identOpts []identity.Option
	if deps.IdentityProvider != nil {
		identOpts = append(identOpts, identity.WithProvider(deps.IdentityProvider))
	}
	idents := identity.NewPool(cfg.Identity, deps.Bus, deps.Logger, identOpts...)
	sessions := sessionpool.New(cfg.Sessions, idents, deps.Bus, deps.Logger)

	idle := make(chan struct{})
	close(idle)

	e := &Engine{
		tasks:      make(map[string]*liveTask),
		byKey:      make(map[string]string),
		idleCh:     idle,
		cfg:        cfg,
		queue:      taskqueue.New(cfg.Orchestrator.QueueCapacity, deps.Bus),
		rate:       ratelimit.New(cfg.Rate, deps.Bus, deps.Logger),
		identities: idents,
		sessions:   sessions,
		monitor:    pressure.NewMonitor(cfg.Pressure, deps.Sampler, deps.Bus, deps.Logger),
		recovery:   recovery.NewManager(cfg.Recovery, deps.Logger),
		executor:   deps.Executor,
		snk:        deps.Sink,
		bus:        deps.Bus,
		logger:     deps.Logger.WithComponent("engine"),
		dispatch:   make(chan *taskqueue.Task),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		now:        time.Now,
	}
	e.monitor.OnChange(e.onPressureChange)
	return e
}

// IdempotencyKey derives the conventional submission key for a
// domain/payload pair.
func IdempotencyKey(domain, payload string) string {
	sum := sha256.Sum256([]byte(domain + "\n" + payload))
	return hex.EncodeToString(sum[:])
}

// Submit validates and enqueues a task. Tasks may be submitted before
// Start; they are held in the queue until the engine runs.
//
// When constraints carry an idempotency key matching a live task, the
// existing task's handle is returned alongside
// [errors.ErrDuplicateTask] and nothing is enqueued.
func (e *Engine) Submit(domain, payload string, priority int, constraints map[string]string) (TaskHandle, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return TaskHandle{}, errs.Wrap(errs.ErrInvalidInput, "domain required")
	}
	if payload == "" {
		return TaskHandle{}, errs.Wrap(errs.ErrInvalidInput, "payload required")
	}
	key := constraints[IdempotencyKeyConstraint]

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return TaskHandle{}, errs.ErrEngineStopped
	}
	if key != "" {
		if id, ok := e.byKey[key]; ok {
			existing := e.tasks[id].task
			e.mu.Unlock()
			return TaskHandle{ID: existing.ID, Domain: existing.Domain}, errs.ErrDuplicateTask
		}
	}
	t := &taskqueue.Task{
		ID:          uuid.NewString(),
		Domain:      domain,
		Payload:     payload,
		Priority:    priority,
		Constraints: maps.Clone(constraints),
		CreatedAt:   e.now(),
	}
	// Reopen the idle gate if it had closed.
	select {
	case <-e.idleCh:
		e.idleCh = make(chan struct{})
	default:
	}
	e.tasks[t.ID] = &liveTask{task: t, key: key, submittedAt: t.CreatedAt}
	if key != "" {
		e.byKey[key] = t.ID
	}
	e.submitted++
	e.mu.Unlock()

	if err := e.queue.Push(t); err != nil {
		e.mu.Lock()
		delete(e.tasks, t.ID)
		if key != "" {
			delete(e.byKey, key)
		}
		e.submitted--
		e.checkIdleLocked()
		e.mu.Unlock()
		return TaskHandle{}, err
	}

	e.bus.Publish(event.NewTaskSubmittedEvent(t.ID, t.Domain, t.Priority))
	e.logger.Debug("task submitted",
		"task", t.ID,
		"domain", t.Domain,
		"priority", t.Priority)
	e.kick()
	return TaskHandle{ID: t.ID, Domain: t.Domain}, nil
}

// Start launches the pressure monitor, the worker pool, the admission
// loop, and the status writer. It returns immediately; ctx bounds the
// engine's background work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errs.New("engine already started")
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.aux.Go(func() { e.monitor.Start(ctx) })
	for range e.cfg.Orchestrator.MaxConcurrentSessions {
		e.workers.Go(func() { e.worker(ctx) })
	}
	go e.run(ctx)
	if e.statusEnabled() {
		e.aux.Go(func() { e.statusLoop(ctx) })
	}

	e.logger.Info("engine started",
		"workers", e.cfg.Orchestrator.MaxConcurrentSessions,
		"queue_capacity", e.cfg.Orchestrator.QueueCapacity,
		"task_timeout", e.cfg.Orchestrator.TaskTimeout(),
		"identities", e.identities.Size())
	return nil
}

// Stop shuts the engine down: admission stops, in-flight attempts run
// to completion (bounded by the per-task timeout), and every
// unresolved task is failed with [errors.ErrEngineStopped] so no
// submission is silently dropped. An engine that never started still
// drains its queue. The sink is closed last; ctx bounds its final
// flush. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Info("engine stopping")
	e.queue.Close()
	if started {
		close(e.stopCh)
		<-e.loopDone
		cancel()
		e.workers.Wait()
		e.aux.Wait()
	}

	for _, t := range e.queue.Drain() {
		e.resolveStopped(t)
	}

	err := e.snk.Close(ctx)
	if started && e.statusEnabled() {
		if werr := e.writeStatus(); werr != nil {
			e.logger.Warn("final status write failed", "error", werr)
		}
	}

	e.mu.Lock()
	succeeded, failed := e.succeeded, e.failed
	e.mu.Unlock()
	e.logger.Info("engine stopped",
		"succeeded", succeeded,
		"failed", failed)
	return err
}

// WaitIdle blocks until every live task has resolved and its result
// reached the sink, or until ctx expires. An engine with nothing
// submitted is idle.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	ch := e.idleCh
	e.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetBurst restores the domain's burst window.
func (e *Engine) ResetBurst(domain string) {
	e.rate.ResetBurst(domain)
}

// run is the admission loop. It is the only goroutine that pops the
// queue.
func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)
	defer close(e.dispatch)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if e.monitor.CurrentLevel() == pressure.LevelCritical {
			// Admission halts until the monitor reports recovery.
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-e.wakeCh:
			}
			continue
		}

		if t, ok := e.queue.PopReady(e.now()); ok {
			if !e.rate.MayProceed(t.Domain) {
				e.parkForRate(t)
				continue
			}
			select {
			case e.dispatch <- t:
			case <-e.stopCh:
				e.resolveStopped(t)
				return
			case <-ctx.Done():
				e.resolveStopped(t)
				return
			}
			continue
		}

		if wake, ok := e.queue.NextWake(); ok {
			d := wake.Sub(e.now())
			if d <= 0 {
				continue
			}
			timer.Reset(d)
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-timer.C:
			case <-e.wakeCh:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wakeCh:
		}
	}
}

// parkForRate requeues a task until its domain may proceed again.
func (e *Engine) parkForRate(t *taskqueue.Task) {
	next := e.rate.NextEligible(t.Domain)
	now := e.now()
	if !next.After(now) {
		next = now.Add(minParkDelay)
	}
	if err := e.queue.Requeue(t, next); err != nil {
		e.resolveStopped(t)
		return
	}
	e.logger.Debug("task rate limited",
		"task", t.ID,
		"domain", t.Domain,
		"eligible_at", next)
}

// kick nudges the admission loop. Safe from any goroutine; coalesces
// when a nudge is already pending.
func (e *Engine) kick() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// onPressureChange shrinks the session pool as memory tightens and
// wakes the loop so a recovery resumes admission.
func (e *Engine) onPressureChange(level pressure.Level) {
	switch level {
	case pressure.LevelHigh:
		e.sessions.TrimFree(e.cfg.Sessions.MaxPoolSize / 2)
	case pressure.LevelCritical:
		e.sessions.TrimFree(0)
	}
	e.kick()
}

// statusEnabled reports whether the periodic status writer is
// configured.
func (e *Engine) statusEnabled() bool {
	return e.cfg.Orchestrator.StatusInterval() > 0 && e.cfg.Orchestrator.StatusDir != ""
}

// checkIdleLocked closes the idle channel once no live tasks remain
// and every resolved result has reached the sink. Callers hold e.mu.
func (e *Engine) checkIdleLocked() {
	if len(e.tasks) != 0 || e.delivering != 0 {
		return
	}
	select {
	case <-e.idleCh:
	default:
		close(e.idleCh)
	}
}
