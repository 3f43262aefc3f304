package progress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed int
}

func (s *stubSink) Consume(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// TestReporterPreservesOrder verifies events reach the sink in emission
// order.
func TestReporterPreservesOrder(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	rep := NewReporter(nil, sink)
	ctx := context.Background()

	rep.Emit(ctx, Statusf("opening registry"))
	rep.Emit(ctx, Event{Type: TypeSearch, Message: "searching"})
	rep.Emit(ctx, Event{Type: TypeResult, Message: "found 3"})
	rep.Emit(ctx, Complete("done", map[string]int{"total": 3}))

	got := sink.Events()
	require.Len(t, got, 4)
	require.Equal(t, TypeStatus, got[0].Type)
	require.Equal(t, TypeSearch, got[1].Type)
	require.Equal(t, TypeResult, got[2].Type)
	require.Equal(t, TypeComplete, got[3].Type)
}

// TestReporterDropsAfterComplete verifies the complete event terminates the
// stream: nothing emitted afterwards reaches any sink.
func TestReporterDropsAfterComplete(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	rep := NewReporter(nil, sink)
	ctx := context.Background()

	rep.Emit(ctx, Complete("done", nil))
	require.True(t, rep.Done())

	rep.Emit(ctx, Statusf("late worker update"))
	rep.Emit(ctx, Errorf("late failure"))

	got := sink.Events()
	require.Len(t, got, 1)
	require.Equal(t, TypeComplete, got[0].Type)
}

// TestReporterSinkErrorDoesNotStopFanout verifies a failing sink does not
// prevent delivery to the others.
func TestReporterSinkErrorDoesNotStopFanout(t *testing.T) {
	t.Parallel()

	broken := &stubSink{err: errors.New("pipe closed")}
	healthy := &stubSink{}
	rep := NewReporter(nil, broken, healthy)

	rep.Emit(context.Background(), Statusf("hello"))
	require.Len(t, healthy.Events(), 1)
}

// TestReporterRejectsInvalidEvents verifies malformed events are discarded
// before reaching sinks.
func TestReporterRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	rep := NewReporter(nil, sink)
	ctx := context.Background()

	rep.Emit(ctx, Event{Type: "bogus", Message: "x"})
	rep.Emit(ctx, Event{Type: TypeStatus})
	require.Empty(t, sink.Events())
}

// TestReporterCloseOnce verifies sinks are closed exactly once across
// repeated Close calls.
func TestReporterCloseOnce(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	rep := NewReporter(nil, sink)
	require.NoError(t, rep.Close(context.Background()))
	require.NoError(t, rep.Close(context.Background()))
	require.Equal(t, 1, sink.closed)
}

// TestEventValidate covers the type and message requirements.
func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Event{Type: TypeCaptcha, Message: "solving"}.Validate())
	require.Error(t, Event{Type: "nope", Message: "x"}.Validate())
	require.Error(t, Event{Type: TypeDetail}.Validate())
}
