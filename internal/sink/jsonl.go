package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	errs "github.com/crawlgate/crawlgate/internal/errors"
)

var errSinkClosed = errs.New("sink closed")

// JSONL appends one JSON object per result to a file. Lines are
// flushed as they are written so a reader tailing the file sees
// results promptly; the file is fsynced on Close.
type JSONL struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	closed bool
}

// NewJSONL opens path for appending, creating it and any missing
// parent directories.
func NewJSONL(path string) (*JSONL, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Wrap(err, "create sink directory")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errs.Wrap(err, "open sink file")
	}
	w := bufio.NewWriter(f)
	return &JSONL{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

// OnResult writes the result as a single JSON line.
func (j *JSONL) OnResult(_ context.Context, r Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errSinkClosed
	}
	if err := j.enc.Encode(r); err != nil {
		return errs.Wrap(err, "encode result")
	}
	return j.w.Flush()
}

// Close flushes buffered lines and syncs the file. Further OnResult
// calls fail.
func (j *JSONL) Close(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.w.Flush()
	syncErr := j.f.Sync()
	closeErr := j.f.Close()
	return errs.Join(flushErr, syncErr, closeErr)
}
