package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loopdesk/poit-crawler/internal/progress"
)

// SSESink streams events to an HTTP response as server-sent events, one
// frame per event: "data: <JSON>\n\n". Frames are flushed immediately so
// the client sees milestones as they happen, not when the run ends.
type SSESink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink wraps a streaming response. Pass the http.ResponseWriter after
// setting the text/event-stream headers; if it does not support flushing,
// frames are still written but arrive at the client buffered.
func NewSSESink(w io.Writer) *SSESink {
	s := &SSESink{w: w}
	if flusher, ok := w.(http.Flusher); ok {
		s.flusher = flusher
	}
	return s
}

// Consume writes one SSE frame. A write error means the client went away;
// it is returned so the caller can abandon the stream.
func (s *SSESink) Consume(_ context.Context, evt progress.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *SSESink) Close(context.Context) error {
	return nil
}
