package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	errs "github.com/crawlgate/crawlgate/internal/errors"
	"github.com/crawlgate/crawlgate/internal/identity"
	"github.com/crawlgate/crawlgate/internal/pressure"
	"github.com/crawlgate/crawlgate/internal/ratelimit"
	"github.com/crawlgate/crawlgate/internal/sessionpool"
	"github.com/crawlgate/crawlgate/internal/taskqueue"
)

// TaskStats counts tasks by disposition since the engine started.
type TaskStats struct {
	Live       int    `json:"live"`
	InFlight   int    `json:"in_flight"`
	Submitted  uint64 `json:"submitted"`
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Retries    uint64 `json:"retries"`
	Deferrals  uint64 `json:"deferrals"`
}

// Status is a point-in-time view of the engine and the subsystems
// under it. Sections are sampled one after another, not atomically.
type Status struct {
	Time       time.Time                 `json:"time"`
	Tasks      TaskStats                 `json:"tasks"`
	Queue      taskqueue.Status          `json:"queue"`
	Sessions   sessionpool.Utilization   `json:"sessions"`
	Pressure   pressure.Status           `json:"pressure"`
	Rates      []ratelimit.DomainStatus  `json:"rates,omitempty"`
	Identities []identity.IdentityStatus `json:"identities,omitempty"`
}

// SnapshotStatus assembles the current engine status.
func (e *Engine) SnapshotStatus() Status {
	e.mu.Lock()
	stats := TaskStats{
		Live:       len(e.tasks),
		InFlight:   e.inflight,
		Submitted:  e.submitted,
		Dispatched: e.dispatched,
		Succeeded:  e.succeeded,
		Failed:     e.failed,
		Retries:    e.retries,
		Deferrals:  e.deferrals,
	}
	e.mu.Unlock()

	return Status{
		Time:       e.now(),
		Tasks:      stats,
		Queue:      e.queue.Status(),
		Sessions:   e.sessions.Utilization(),
		Pressure:   e.monitor.Status(),
		Rates:      e.rate.Snapshot(),
		Identities: e.identities.Snapshot(),
	}
}

// StatusPath returns the status file location under dir.
func StatusPath(dir string) string {
	return filepath.Join(dir, "status.json")
}

// statusLoop rewrites the status file on every tick. Stop writes the
// closing snapshot itself, after the queue drain, so the file's last
// state accounts for every task.
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Orchestrator.StatusInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.writeStatus(); err != nil {
				e.logger.Warn("status write failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeStatus replaces the status file atomically so a concurrent
// reader never sees a partial document.
func (e *Engine) writeStatus() error {
	dir := e.cfg.Orchestrator.StatusDir
	data, err := json.MarshalIndent(e.SnapshotStatus(), "", "  ")
	if err != nil {
		return errs.Wrap(err, "encode status")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(err, "create status dir")
	}

	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return errs.Wrap(err, "create temp status file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(err, "write temp status file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(err, "close temp status file")
	}
	if err := os.Rename(tmpPath, StatusPath(dir)); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(err, "replace status file")
	}
	return nil
}
