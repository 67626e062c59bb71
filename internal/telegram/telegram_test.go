// ABOUTME: Tests for the Telegram adapter against a fake Bot API server.
// ABOUTME: Covers routing, dedupe, photo stubs, mode commands, and reply chunking.

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yen-gateway/internal/router"
	"github.com/2389/yen-gateway/internal/store"
)

const testToken = "12345:testtoken"

// fakeBotAPI serves just enough of the Bot API for the adapter: a
// queue of updates drained by getUpdates, plus recorders for outgoing
// messages.
type fakeBotAPI struct {
	mu      sync.Mutex
	pending []update
	sent    []sendMessageRequest
}

func (f *fakeBotAPI) enqueue(updates ...update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, updates...)
}

func (f *fakeBotAPI) sentMessages() []sendMessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sendMessageRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeBotAPI) handler() http.Handler {
	mux := http.NewServeMux()
	prefix := "/bot" + testToken
	mux.HandleFunc(prefix+"/getMe", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, getMeResponse{OK: true, Result: user{ID: 1, IsBot: true, Username: "yen_test_bot"}})
	})
	mux.HandleFunc(prefix+"/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()
		if len(batch) == 0 {
			// Keep the poll loop from spinning hot against the fake.
			time.Sleep(20 * time.Millisecond)
		}
		writeJSON(w, getUpdatesResponse{OK: true, Result: batch})
	})
	mux.HandleFunc(prefix+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.sent = append(f.sent, req)
		f.mu.Unlock()
		writeJSON(w, okResponse{OK: true})
	})
	mux.HandleFunc(prefix+"/getFile", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("file_id")
		writeJSON(w, getFileResponse{OK: true, Result: file{FileID: id, FilePath: "photos/" + id + ".jpg"}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fakeRouter records turns and answers with a fixed reply.
type fakeRouter struct {
	mu    sync.Mutex
	turns []router.Turn
	reply string
	err   error
}

func (f *fakeRouter) RouteTurn(_ context.Context, turn router.Turn) (*router.Result, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &router.Result{
		CanonicalUserID: strings.TrimPrefix(turn.RawUserID, "tg_"),
		Mode:            turn.Mode,
		FinalText:       f.reply,
		MessageCount:    3,
	}, nil
}

func (f *fakeRouter) recorded() []router.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]router.Turn, len(f.turns))
	copy(out, f.turns)
	return out
}

func startBot(t *testing.T, fake *fakeBotAPI, rt TurnRouter, allowed []int64) context.CancelFunc {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	bot := NewBot(Options{Token: testToken, BaseURL: srv.URL, AllowedUsers: allowed}, rt, slog.Default())
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bot.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bot did not stop")
		}
	})
	return cancel
}

func textUpdate(id, userID int64, text string) update {
	return update{
		UpdateID: id,
		Message: &message{
			MessageID: id,
			Chat:      &chat{ID: userID, Type: "private"},
			From:      &user{ID: userID},
			Text:      text,
		},
	}
}

func TestBotRoutesTextMessage(t *testing.T) {
	fake := &fakeBotAPI{}
	rt := &fakeRouter{reply: "hi there"}
	fake.enqueue(textUpdate(100, 7, "hello"))
	startBot(t, fake, rt, nil)

	require.Eventually(t, func() bool {
		return len(fake.sentMessages()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	turns := rt.recorded()
	require.Len(t, turns, 1)
	assert.Equal(t, "tg_7", turns[0].RawUserID)
	assert.Equal(t, "telegram", turns[0].Channel)
	assert.Equal(t, "hello", turns[0].Text)
	assert.Equal(t, router.DefaultMode, turns[0].Mode)

	sent := fake.sentMessages()
	assert.Equal(t, int64(7), sent[0].ChatID)
	assert.Equal(t, "hi there", sent[0].Text)
}

func TestBotDeduplicatesUpdates(t *testing.T) {
	fake := &fakeBotAPI{}
	rt := &fakeRouter{reply: "once"}
	u := textUpdate(200, 9, "hello")
	fake.enqueue(u, u)
	startBot(t, fake, rt, nil)

	require.Eventually(t, func() bool {
		return len(fake.sentMessages()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give any duplicate a moment to surface before asserting.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rt.recorded(), 1)
	assert.Len(t, fake.sentMessages(), 1)
}

func TestBotPhotoBecomesMediaStub(t *testing.T) {
	fake := &fakeBotAPI{}
	rt := &fakeRouter{reply: "nice picture"}
	fake.enqueue(update{
		UpdateID: 300,
		Message: &message{
			MessageID: 300,
			Chat:      &chat{ID: 11, Type: "private"},
			From:      &user{ID: 11},
			Caption:   "what is this?",
			Photo: []photoSize{
				{FileID: "small", Width: 90, Height: 90},
				{FileID: "big", Width: 800, Height: 600},
			},
		},
	})
	startBot(t, fake, rt, nil)

	require.Eventually(t, func() bool {
		return len(rt.recorded()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	turn := rt.recorded()[0]
	require.True(t, strings.HasPrefix(turn.Text, "[photo_url: "), "turn text %q", turn.Text)
	assert.Contains(t, turn.Text, "/file/bot"+testToken+"/photos/big.jpg]")
	assert.True(t, strings.HasSuffix(turn.Text, "\nwhat is this?"))
}

func TestBotModeCommand(t *testing.T) {
	fake := &fakeBotAPI{}
	rt := &fakeRouter{reply: "searched"}
	fake.enqueue(textUpdate(400, 5, "/mode search"))
	startBot(t, fake, rt, nil)

	require.Eventually(t, func() bool {
		return len(fake.sentMessages()) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Mode set to search.", fake.sentMessages()[0].Text)
	assert.Empty(t, rt.recorded(), "mode command must not reach the dispatcher")

	fake.enqueue(textUpdate(401, 5, "golang generics"))
	require.Eventually(t, func() bool {
		return len(rt.recorded()) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "search", rt.recorded()[0].Mode)
}

func TestBotAllowedUsersFilter(t *testing.T) {
	fake := &fakeBotAPI{}
	rt := &fakeRouter{reply: "should not happen"}
	fake.enqueue(textUpdate(500, 66, "hello"), textUpdate(501, 77, "hello"))
	startBot(t, fake, rt, []int64{77})

	require.Eventually(t, func() bool {
		return len(rt.recorded()) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	turns := rt.recorded()
	require.Len(t, turns, 1)
	assert.Equal(t, "tg_77", turns[0].RawUserID)
}

func TestSendMessageChunked(t *testing.T) {
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	a := newAPI(srv.URL, testToken)
	long := strings.Repeat("a", 3500) + " " + strings.Repeat("b", 100)
	require.NoError(t, a.sendMessageChunked(t.Context(), 3, long))

	sent := fake.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, strings.Repeat("a", 3500), sent[0].Text)
	assert.Equal(t, strings.Repeat("b", 100), sent[1].Text)
	for _, m := range sent {
		assert.LessOrEqual(t, len(m.Text), 3500)
	}
}

func TestSendMessageChunkedKeepsRunesIntact(t *testing.T) {
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	a := newAPI(srv.URL, testToken)
	// 3499 single-byte runes put the three-byte rune astride the 3500
	// byte chunk limit.
	long := strings.Repeat("a", 3499) + strings.Repeat("€", 40)
	require.NoError(t, a.sendMessageChunked(t.Context(), 3, long))

	sent := fake.sentMessages()
	require.Len(t, sent, 2)
	var rebuilt strings.Builder
	for _, m := range sent {
		assert.True(t, utf8.ValidString(m.Text), "chunk split a rune: %q", m.Text)
		assert.LessOrEqual(t, len(m.Text), 3500)
		rebuilt.WriteString(m.Text)
	}
	assert.Equal(t, long, rebuilt.String())
}

func TestBotStorageErrorReply(t *testing.T) {
	fake := &fakeBotAPI{}
	rt := &fakeRouter{err: fmt.Errorf("append: %w", store.ErrStorageUnavailable)}
	fake.enqueue(textUpdate(600, 8, "hello"))
	startBot(t, fake, rt, nil)

	require.Eventually(t, func() bool {
		return len(fake.sentMessages()) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, storageUnavailableReply, fake.sentMessages()[0].Text)
}
