// ABOUTME: Tests for the web chat page handler.
// ABOUTME: Renders real sessions from an in-memory store and checks the markdown output.

package webchat

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yen-gateway/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, slog.Default()), st
}

func get(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestChatPageRendersTranscript(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := t.Context()

	sess, err := st.GetOrStart(ctx, "42", "default", "be helpful")
	require.NoError(t, err)
	_, _, err = st.Append(ctx, sess.ID, store.Message{Role: store.RoleUser, Content: "hello"})
	require.NoError(t, err)
	_, _, err = st.Append(ctx, sess.ID, store.Message{Role: store.RoleAssistant, Content: "**bold** answer", ToolName: "general"})
	require.NoError(t, err)

	rec := get(t, h, "/chat?uid=tg_42")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<strong>bold</strong>")
	assert.Contains(t, body, "hello")
	assert.NotContains(t, body, "be helpful", "system prompt must not render")
}

func TestChatPageFreshUser(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := get(t, h, "/chat?uid=newcomer")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<form id=\"composer\">")
}

func TestChatPageShowsCaption(t *testing.T) {
	h, st := newTestHandler(t)
	ctx := t.Context()

	sess, err := st.GetOrStart(ctx, "9", "default", "prompt")
	require.NoError(t, err)
	_, mediaIdx, err := st.Append(ctx, sess.ID, store.Message{Role: store.RoleUser, Content: store.MediaMarker("photo", "https://x/p.jpg")})
	require.NoError(t, err)
	require.NoError(t, st.SetCaption(ctx, sess.ID, mediaIdx, "a red bicycle", false))

	rec := get(t, h, "/chat?uid=9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a red bicycle")
}

func TestChatPageValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := get(t, h, "/chat")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/chat?uid=%20")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
