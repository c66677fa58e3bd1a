package sink

import (
	"context"
	"sync"
)

// Memory collects results in process memory. It is the sink of choice
// for tests and for callers that inspect results programmatically
// after a run.
type Memory struct {
	mu      sync.Mutex
	results []Result
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// OnResult appends the result. It never fails.
func (m *Memory) OnResult(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

// Close is a no-op.
func (m *Memory) Close(context.Context) error {
	return nil
}

// Results returns a copy of everything received so far.
func (m *Memory) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, len(m.results))
	copy(out, m.results)
	return out
}

// Len returns the number of results received so far.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}
