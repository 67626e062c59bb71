// ABOUTME: Tests for SSE framing
// ABOUTME: Verifies headers, event/data frames, and heartbeat comments

package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewSSEWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestSSEWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent("content", map[string]string{"text": "hi"}))
	require.NoError(t, w.WriteEvent("done", map[string]any{"message_count": 3}))

	body := rec.Body.String()
	assert.Contains(t, body, "event: content\ndata: {\"text\":\"hi\"}\n\n")
	assert.Contains(t, body, "event: done\ndata: {\"message_count\":3}\n\n")
	assert.True(t, rec.Flushed)
}

func TestSSEWriterHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Heartbeat())
	assert.Equal(t, ": heartbeat\n\n", rec.Body.String())
}

// noFlushWriter implements http.ResponseWriter without http.Flusher.
type noFlushWriter struct{}

func (noFlushWriter) Header() http.Header       { return http.Header{} }
func (noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (noFlushWriter) WriteHeader(statusCode int) {}

func TestSSEWriterRequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{})
	assert.Error(t, err)
}
