package progress

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Reporter fans events out to registered sinks synchronously, preserving
// emission order across concurrent emitters. Once a complete event has been
// delivered, the stream is closed to further events: late emissions from
// still-draining workers are dropped rather than reordered past the
// terminal frame.
type Reporter struct {
	mu     sync.Mutex
	sinks  []Sink
	logger *zap.Logger
	done   bool

	closeOnce sync.Once
	closeErr  error
}

// NewReporter builds a Reporter over the given sinks. A nil logger
// disables warning output.
func NewReporter(logger *zap.Logger, sinks ...Sink) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
	}
}

// Emit validates the event and delivers it to every sink in registration
// order. Sink errors are logged, never returned: one slow or broken
// consumer must not abort the run. Emit blocks until all sinks have seen
// the event, which is what guarantees ordering.
func (r *Reporter) Emit(ctx context.Context, evt Event) {
	if r == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		r.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		r.logger.Debug("dropping event after stream completion",
			zap.String("type", string(evt.Type)),
			zap.String("message", evt.Message),
		)
		return
	}
	if evt.Type == TypeComplete {
		r.done = true
	}
	for _, sink := range r.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Consume(ctx, evt); err != nil {
			r.logger.Warn("progress sink consume failed",
				zap.String("type", string(evt.Type)),
				zap.Error(err),
			)
		}
	}
}

// Done reports whether the terminal complete event has been emitted.
func (r *Reporter) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Close closes every sink. Safe to call multiple times; later calls return
// the first result.
func (r *Reporter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, sink := range r.sinks {
			if sink == nil {
				continue
			}
			if err := sink.Close(ctx); err != nil {
				r.logger.Warn("progress sink close failed", zap.Error(err))
				if r.closeErr == nil {
					r.closeErr = err
				}
			}
		}
	})
	return r.closeErr
}
