package progress

import "context"

// Sink consumes progress events one at a time, in emission order. The
// Reporter serializes Consume calls, so implementations do not need their
// own locking, but they must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Reporter satisfies this interface so
// the orchestrator and workers stay agnostic about where events go.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}
