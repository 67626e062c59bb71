// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Covers chat JSON mode, SSE streaming frames, session retrieval, and error mapping

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yen-gateway/internal/identity"
	"github.com/2389/yen-gateway/internal/router"
	"github.com/2389/yen-gateway/internal/store"
)

type fakeRouter struct {
	res    *router.Result
	err    error
	chunks []string

	lastTurn router.Turn
}

func (f *fakeRouter) RouteTurn(ctx context.Context, turn router.Turn) (*router.Result, error) {
	f.lastTurn = turn
	if f.err != nil {
		return nil, f.err
	}
	if turn.Sink != nil {
		var full strings.Builder
		for _, c := range f.chunks {
			full.WriteString(c)
			turn.Sink.OnPartial(full.String())
		}
		turn.Sink.OnPartial(f.res.FinalText)
		turn.Sink.OnDone()
	}
	return f.res, nil
}

func newTestAPI(t *testing.T, fr *fakeRouter) (*API, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(fr, st), st
}

func postChat(t *testing.T, api *API, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.handleChat(rec, req)
	return rec
}

func TestChatNonStreaming(t *testing.T) {
	fr := &fakeRouter{res: &router.Result{
		CanonicalUserID: "42",
		Mode:            "default",
		SessionID:       "sess-1",
		FinalText:       "hello back",
		MessageCount:    3,
	}}
	api, _ := newTestAPI(t, fr)

	rec := postChat(t, api, `{"canonical_user_id":"tg_42","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.CanonicalUserID)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "hello back", resp.AssistantText)
	assert.Equal(t, 3, resp.MessageCount)

	assert.Equal(t, "tg_42", fr.lastTurn.RawUserID)
	assert.Equal(t, "web", fr.lastTurn.Channel, "channel defaults to web")
}

func TestChatValidation(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRouter{})

	tests := []struct {
		name string
		body string
	}{
		{"empty user id", `{"canonical_user_id":"","message":"hi"}`},
		{"empty message", `{"canonical_user_id":"u","message":" "}`},
		{"bad json", `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, api, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRouter{})
	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	rec := httptest.NewRecorder()
	api.handleChat(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"invalid identity", identity.ErrInvalidIdentity, http.StatusBadRequest, "invalid identity"},
		{"storage down", fmt.Errorf("append: %w", store.ErrStorageUnavailable), http.StatusServiceUnavailable, "Storage unavailable"},
		{"unknown", errors.New("wat"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, _ := newTestAPI(t, &fakeRouter{err: tt.err})
			rec := postChat(t, api, `{"canonical_user_id":"u","message":"hi"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func parseSSE(t *testing.T, body string) []struct{ Event, Data string } {
	t.Helper()
	var events []struct{ Event, Data string }
	for _, frame := range strings.Split(body, "\n\n") {
		var ev struct{ Event, Data string }
		for _, line := range strings.Split(frame, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				ev.Data = data
			}
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				ev.Event = name
			}
		}
		if ev.Event != "" {
			events = append(events, ev)
		}
	}
	return events
}

func TestChatStreaming(t *testing.T) {
	fr := &fakeRouter{
		chunks: []string{"the ", "quick ", "fox"},
		res: &router.Result{
			CanonicalUserID: "u",
			Mode:            "default",
			SessionID:       "sess-2",
			FinalText:       "the quick fox",
			MessageCount:    3,
		},
	}
	api, _ := newTestAPI(t, fr)

	rec := postChat(t, api, `{"canonical_user_id":"u","message":"go","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)

	var text strings.Builder
	var done *ChatResponse
	for _, ev := range events {
		switch ev.Event {
		case "content":
			var payload struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &payload))
			text.WriteString(payload.Text)
		case "done":
			require.Nil(t, done, "exactly one terminal event")
			var d ChatResponse
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &d))
			done = &d
		case "error":
			t.Fatalf("unexpected error event: %s", ev.Data)
		}
	}

	require.NotNil(t, done, "stream must end with a done event")
	assert.Equal(t, done.AssistantText, text.String(),
		"concatenated deltas equal the final text")
	assert.Equal(t, "sess-2", done.SessionID)
	assert.Equal(t, events[len(events)-1].Event, "done", "done is the last event")
}

func TestChatStreamingError(t *testing.T) {
	fr := &fakeRouter{err: fmt.Errorf("load: %w", store.ErrStorageUnavailable)}
	api, _ := newTestAPI(t, fr)

	rec := postChat(t, api, `{"canonical_user_id":"u","message":"go","stream":true}`)
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Event)
	assert.Contains(t, events[0].Data, "Storage unavailable")
}

func TestSessionEndpoint(t *testing.T) {
	api, st := newTestAPI(t, &fakeRouter{})
	ctx := t.Context()

	sess, err := st.StartNew(ctx, "42", "default", "prompt")
	require.NoError(t, err)
	_, _, err = st.Append(ctx, sess.ID, store.Message{Role: store.RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, _, err = st.Append(ctx, sess.ID, store.Message{Role: store.RoleAssistant, Content: "hello", ToolName: "general"})
	require.NoError(t, err)

	// tg_42 normalizes to 42: the Telegram caller sees the web session.
	req := httptest.NewRequest(http.MethodGet, "/api/session/tg_42", nil)
	rec := httptest.NewRecorder()
	api.handleSession(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.CanonicalUserID)
	assert.Equal(t, sess.ID, resp.SessionID)
	assert.Equal(t, 3, resp.MessageCount)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "system", resp.Messages[0].Role)
	assert.Equal(t, "general", resp.Messages[2].ToolName)
	assert.NotEmpty(t, resp.Messages[0].Timestamp)
}

func TestSessionNotFound(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRouter{})

	req := httptest.NewRequest(http.MethodGet, "/api/session/nobody", nil)
	rec := httptest.NewRecorder()
	api.handleSession(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionModeQuery(t *testing.T) {
	api, st := newTestAPI(t, &fakeRouter{})
	ctx := t.Context()

	_, err := st.StartNew(ctx, "u", "research", "prompt")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/session/u?mode=research", nil)
	rec := httptest.NewRecorder()
	api.handleSession(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/session/u", nil)
	rec = httptest.NewRecorder()
	api.handleSession(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "default mode has no session")
}

func TestHealth(t *testing.T) {
	api, st := newTestAPI(t, &fakeRouter{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"sessions":0}`, string(body))

	_, err = st.StartNew(t.Context(), "u", "default", "prompt")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	api.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	body, err = io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"sessions":1}`, string(body))
}
