package orchestrator

import (
	"context"
	"time"

	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/event"
	"github.com/crawlgate/crawlgate/internal/recovery"
	"github.com/crawlgate/crawlgate/internal/sessionpool"
	"github.com/crawlgate/crawlgate/internal/sink"
	"github.com/crawlgate/crawlgate/internal/taskqueue"
)

// worker consumes dispatches until the channel closes. Each task is
// fully settled before the next is taken, so in-flight work never
// exceeds the worker count.
func (e *Engine) worker(ctx context.Context) {
	for t := range e.dispatch {
		e.dispatchTask(ctx, t)
		e.kick()
	}
}

// dispatchTask is the dispatch wrapper: it pairs every session
// acquisition with exactly one release on every exit path.
func (e *Engine) dispatchTask(ctx context.Context, t *taskqueue.Task) {
	sess, err := e.sessions.Acquire(ctx, t.Domain)
	if err != nil {
		e.deferTask(t, err)
		return
	}

	attempt := t.Attempts + 1
	e.mu.Lock()
	e.inflight++
	e.dispatched++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inflight--
		e.mu.Unlock()
	}()

	e.bus.Publish(event.NewTaskDispatchedEvent(t.ID, t.Domain, sess.ID, sess.Identity.Endpoint, attempt))
	e.logger.Debug("task dispatched",
		"task", t.ID,
		"domain", t.Domain,
		"session", sess.ID,
		"endpoint", sess.Identity.Endpoint,
		"attempt", attempt)

	started := e.now()
	out := e.execute(t, sess, attempt)
	elapsed := e.now().Sub(started)
	e.settle(t, sess, attempt, started, elapsed, out)
}

// execute runs the executor under the per-task timeout. The timeout
// is hard: an executor that ignores its context is abandoned, and the
// attempt reported as a session failure. The abandoned goroutine
// delivers into a buffered channel and exits on its own.
func (e *Engine) execute(t *taskqueue.Task, sess *sessionpool.Session, attempt int) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Orchestrator.TaskTimeout())
	defer cancel()

	req := Request{
		TaskID:      t.ID,
		Domain:      t.Domain,
		Payload:     t.Payload,
		Constraints: t.Constraints,
		Attempt:     attempt,
		Session:     sess,
	}
	outc := make(chan Outcome, 1)
	go func() { outc <- e.executor.Execute(ctx, req) }()

	select {
	case out := <-outc:
		return out
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

// settle feeds one attempt's outcome back into the subsystems, in
// order: rate controller, identity pool, session pool, then the
// terminal sink or a recovery requeue.
func (e *Engine) settle(t *taskqueue.Task, sess *sessionpool.Session, attempt int, started time.Time, elapsed time.Duration, out Outcome) {
	endpoint := sess.Identity.Endpoint
	sessionID := sess.ID

	if out.Success {
		e.rate.RecordOutcome(t.Domain, true, false)
		e.releaseAttempt(sess, true, out.Latency, false, false)
		e.recordAttempt(t, sink.Attempt{
			Number:    attempt,
			SessionID: sessionID,
			Endpoint:  endpoint,
			StartedAt: started,
			ElapsedMS: elapsed.Milliseconds(),
		})
		e.resolve(t, sink.Result{Status: sink.StatusSucceeded, Data: out.Data})
		return
	}

	cat, cause := failureOf(out)
	directive := e.recovery.Decide(cat, attempt)

	e.rate.RecordOutcome(t.Domain, false, out.Blocked)
	e.releaseAttempt(sess, false, out.Latency, out.Blocked, directive.PoisonSession)

	if directive.ConsumesAttempt {
		t.Attempts = attempt
	}
	e.recordAttempt(t, sink.Attempt{
		Number:    attempt,
		SessionID: sessionID,
		Endpoint:  endpoint,
		StartedAt: started,
		ElapsedMS: elapsed.Milliseconds(),
		Category:  cat.String(),
		Error:     cause.Error(),
	})

	switch directive.Action {
	case recovery.ActionRetry, recovery.ActionDefer:
		e.requeueAfter(t, cat, attempt, directive.Delay)
	default:
		// Retryable categories only reach a terminal failure by
		// spending the retry budget.
		resErr := cause
		if cat.Retryable() {
			resErr = errs.Wrap(errs.ErrRetriesExhausted, cause.Error())
		}
		e.resolve(t, sink.Result{
			Status:   sink.StatusFailed,
			Category: cat.String(),
			Error:    resErr.Error(),
		})
	}
}

// releaseAttempt records the attempt against the identity and hands
// the session back, retiring it when poisoned.
func (e *Engine) releaseAttempt(sess *sessionpool.Session, success bool, latency time.Duration, blocked, poisoned bool) {
	if err := e.identities.Release(sess.Identity.Endpoint, success, latency, blocked); err != nil {
		e.logger.Error("identity release failed",
			"endpoint", sess.Identity.Endpoint,
			"error", err)
	}
	if err := e.sessions.Release(sess, poisoned); err != nil {
		e.logger.Error("session release failed",
			"session", sess.ID,
			"error", err)
	}
}

// deferTask requeues a task that never got a session. The resource
// deferral consumes no retry attempt.
func (e *Engine) deferTask(t *taskqueue.Task, cause error) {
	if errs.Is(cause, context.Canceled) || errs.Is(cause, context.DeadlineExceeded) || errs.Is(cause, errs.ErrPoolClosed) {
		e.resolveStopped(t)
		return
	}

	d := e.recovery.Decide(errs.CategoryResource, t.Attempts+1)
	if err := e.queue.Requeue(t, e.now().Add(d.Delay)); err != nil {
		e.resolveStopped(t)
		return
	}
	e.mu.Lock()
	e.deferrals++
	e.mu.Unlock()
	e.bus.Publish(event.NewTaskRetriedEvent(t.ID, t.Domain, errs.CategoryResource.String(), t.Attempts, d.Delay))
	e.logger.Debug("task deferred",
		"task", t.ID,
		"domain", t.Domain,
		"delay", d.Delay,
		"cause", cause)
}

// requeueAfter parks a failed task until its retry delay elapses.
func (e *Engine) requeueAfter(t *taskqueue.Task, cat errs.FailureCategory, attempt int, delay time.Duration) {
	if err := e.queue.Requeue(t, e.now().Add(delay)); err != nil {
		e.resolveStopped(t)
		return
	}
	e.mu.Lock()
	e.retries++
	e.mu.Unlock()
	e.bus.Publish(event.NewTaskRetriedEvent(t.ID, t.Domain, cat.String(), attempt, delay))
	e.logger.Debug("task will retry",
		"task", t.ID,
		"category", cat.String(),
		"attempt", attempt,
		"delay", delay)
}

// failureOf derives the failure category and cause from an outcome.
// The executor's blocked signal wins over error classification.
func failureOf(out Outcome) (errs.FailureCategory, error) {
	cause := out.Err
	if cause == nil {
		cause = errs.New("executor reported failure")
	}
	if out.Blocked {
		return errs.CategoryBlocked, cause
	}
	return errs.Categorize(cause), cause
}

// recordAttempt appends to the task's attempt history.
func (e *Engine) recordAttempt(t *taskqueue.Task, a sink.Attempt) {
	e.mu.Lock()
	if lt := e.tasks[t.ID]; lt != nil {
		lt.attempts = append(lt.attempts, a)
	}
	e.mu.Unlock()
}

// resolve removes the task from the live set and delivers its
// terminal result. A task already resolved is left alone.
func (e *Engine) resolve(t *taskqueue.Task, res sink.Result) {
	e.mu.Lock()
	lt := e.tasks[t.ID]
	if lt == nil {
		e.mu.Unlock()
		return
	}
	delete(e.tasks, t.ID)
	if lt.key != "" {
		delete(e.byKey, lt.key)
	}
	res.TaskID = t.ID
	res.Domain = t.Domain
	res.Payload = t.Payload
	res.Attempts = lt.attempts
	res.SubmittedAt = lt.submittedAt
	res.ResolvedAt = e.now()
	if res.Succeeded() {
		e.succeeded++
	} else {
		e.failed++
	}
	e.delivering++
	e.mu.Unlock()

	if err := e.snk.OnResult(context.Background(), res); err != nil {
		e.logger.Error("sink delivery failed", "task", t.ID, "error", err)
	}
	e.bus.Publish(event.NewTaskResolvedEvent(t.ID, t.Domain, res.Succeeded(), res.Category, len(res.Attempts), res.Error))
	if res.Succeeded() {
		e.logger.Debug("task succeeded",
			"task", t.ID,
			"domain", t.Domain,
			"attempts", len(res.Attempts))
	} else {
		e.logger.Warn("task failed",
			"task", t.ID,
			"domain", t.Domain,
			"category", res.Category,
			"attempts", len(res.Attempts),
			"error", res.Error)
	}

	// Idle only once the result is out the door.
	e.mu.Lock()
	e.delivering--
	e.checkIdleLocked()
	e.mu.Unlock()
}

// resolveStopped terminally fails a task the engine could not finish
// before shutdown.
func (e *Engine) resolveStopped(t *taskqueue.Task) {
	e.resolve(t, sink.Result{
		Status: sink.StatusFailed,
		Error:  errs.ErrEngineStopped.Error(),
	})
}
