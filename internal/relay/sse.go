// ABOUTME: Server-sent events framing for push-mode streaming over HTTP
// ABOUTME: Writes event/data frames, heartbeat comments, and the standard SSE headers

package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HeartbeatInterval is how often an idle SSE connection gets a comment
// frame so proxies keep it open.
const HeartbeatInterval = 30 * time.Second

// SSEWriter frames events onto an HTTP response. Each turn's stream
// carries zero or more "content" events followed by exactly one
// terminal event ("done" or "error").
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the SSE response headers and returns a writer. The
// error is non-nil when the ResponseWriter cannot flush, which makes
// streaming pointless.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one event frame and flushes it.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, dataJSON); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat writes a comment frame. Clients ignore it; proxies see
// traffic.
func (s *SSEWriter) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
