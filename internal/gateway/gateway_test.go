// ABOUTME: Tests for gateway wiring: end-to-end chat through the assembled HTTP handler.
// ABOUTME: Uses a fake chat-completions provider and an in-memory store.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yen-gateway/internal/auth"
	"github.com/2389/yen-gateway/internal/config"
)

// fakeProvider answers every completion with a fixed string.
func fakeProvider(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": answer}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(providerURL string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Providers: config.ProvidersConfig{
			General: config.ProviderConfig{BaseURL: providerURL, Model: "test-model"},
		},
		Router: config.RouterConfig{
			Prompts: map[string]string{"default": "be helpful"},
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func postChat(t *testing.T, handler http.Handler, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGatewayChatRoundTrip(t *testing.T) {
	provider := fakeProvider(t, "it depends")
	gw := newTestGateway(t, testConfig(provider.URL))
	handler := gw.httpServer.Handler

	rec := postChat(t, handler, map[string]any{
		"canonical_user_id": "tg_42",
		"message":           "should I rewrite it in rust?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		CanonicalUserID string `json:"canonical_user_id"`
		AssistantText   string `json:"assistant_text"`
		MessageCount    int    `json:"message_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.CanonicalUserID)
	assert.Equal(t, "it depends", resp.AssistantText)
	assert.Equal(t, 3, resp.MessageCount)

	// The transcript page renders the same conversation.
	req := httptest.NewRequest(http.MethodGet, "/chat?uid=42", nil)
	page := httptest.NewRecorder()
	handler.ServeHTTP(page, req)
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "it depends")
}

func TestGatewayHealthIsOpen(t *testing.T) {
	provider := fakeProvider(t, "ok")
	cfg := testConfig(provider.URL)
	cfg.Auth.JWTSecret = "test-secret"
	gw := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayAuthEnforced(t *testing.T) {
	provider := fakeProvider(t, "secret answer")
	cfg := testConfig(provider.URL)
	cfg.Auth.JWTSecret = "test-secret"
	gw := newTestGateway(t, cfg)
	handler := gw.httpServer.Handler

	rec := postChat(t, handler, map[string]any{
		"canonical_user_id": "42",
		"message":           "hello",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.IssueToken([]byte("test-secret"), "42", time.Hour)
	require.NoError(t, err)
	raw, _ := json.Marshal(map[string]any{"canonical_user_id": "42", "message": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGatewayRunStopsOnCancel(t *testing.T) {
	provider := fakeProvider(t, "ok")
	gw, err := New(testConfig(provider.URL), slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	// Give the server a moment to bind before canceling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
