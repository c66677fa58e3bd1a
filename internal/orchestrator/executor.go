package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/crawlgate/crawlgate/internal/sessionpool"
)

// Request is one dispatch handed to the executor.
type Request struct {
	TaskID      string
	Domain      string
	Payload     string
	Constraints map[string]string
	// Attempt is the 1-based attempt number for this dispatch.
	Attempt int
	// Session is the leased execution context, bound to the identity
	// the attempt must use. The engine releases it after Execute
	// returns; executors must not retain it.
	Session *sessionpool.Session
}

// Outcome is what the executor reports for one attempt.
type Outcome struct {
	Success bool
	// Blocked marks an explicit anti-bot block or challenge signal.
	Blocked bool
	// Latency is the observed request latency, fed into identity
	// health scoring. Zero leaves the identity's average unchanged.
	Latency time.Duration
	// Data is the extracted result on success.
	Data string
	// Err is the failure cause. Its category decides the recovery
	// strategy; a plain error counts as a network failure.
	Err error
}

// Executor performs the actual fetch/search work for a task. The
// engine never inspects how; it only routes the outcome.
//
// Execute must honor ctx, which carries the per-task deadline. An
// executor that overruns it is abandoned and its session retired.
type Executor interface {
	Execute(ctx context.Context, req Request) Outcome
}

// StubExecutor is a deterministic offline executor for demos and
// tests. By default every request succeeds immediately; individual
// tasks can be scripted to fail in specific ways or to hang until
// their deadline.
type StubExecutor struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	hung    map[string]bool
	calls   []Request
}

// NewStubExecutor creates a stub where every task succeeds.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		scripts: make(map[string][]Outcome),
		hung:    make(map[string]bool),
	}
}

// Script queues outcomes for a task. Each dispatch of the task
// consumes one queued outcome; once exhausted, dispatches succeed
// again.
func (s *StubExecutor) Script(taskID string, outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[taskID] = append(s.scripts[taskID], outcomes...)
}

// Hang makes every dispatch of the task block until its context
// expires, simulating a wedged fetch.
func (s *StubExecutor) Hang(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hung[taskID] = true
}

// Execute consumes the next scripted outcome for the task, or
// succeeds with a synthesized result.
func (s *StubExecutor) Execute(ctx context.Context, req Request) Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	if s.hung[req.TaskID] {
		s.mu.Unlock()
		<-ctx.Done()
		return Outcome{Err: ctx.Err()}
	}
	var out Outcome
	if q := s.scripts[req.TaskID]; len(q) > 0 {
		out = q[0]
		s.scripts[req.TaskID] = q[1:]
	} else {
		out = Outcome{
			Success: true,
			Latency: time.Millisecond,
			Data:    "stub result for " + req.Payload,
		}
	}
	s.mu.Unlock()
	return out
}

// Calls returns a copy of every request seen, in dispatch order.
func (s *StubExecutor) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the task was dispatched.
func (s *StubExecutor) CallCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.TaskID == taskID {
			n++
		}
	}
	return n
}
