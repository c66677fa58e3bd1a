package sink

import (
	"context"

	errs "github.com/crawlgate/crawlgate/internal/errors"
)

// Multi fans every result out to a set of sinks.
type Multi struct {
	sinks []Sink
}

// NewMulti wraps the given sinks. Results are delivered to each in
// order; a failing sink does not stop delivery to the rest.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// OnResult delivers r to every sink and joins any errors.
func (m *Multi) OnResult(ctx context.Context, r Result) error {
	var err error
	for _, s := range m.sinks {
		err = errs.Join(err, s.OnResult(ctx, r))
	}
	return err
}

// Close closes every sink and joins any errors.
func (m *Multi) Close(ctx context.Context) error {
	var err error
	for _, s := range m.sinks {
		err = errs.Join(err, s.Close(ctx))
	}
	return err
}
