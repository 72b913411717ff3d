// Package sse writes server-sent event frames of the form "data: <payload>\n\n".
package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Done is the terminal sentinel payload.
const Done = "[DONE]"

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support flushing")

// SetHeaders prepares a response for event streaming. Must run before the first write.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer emits one data frame per Send and flushes it immediately.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w, which must implement http.Flusher.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes payload as a single data frame.
func (s *Writer) Send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
