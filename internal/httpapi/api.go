// ABOUTME: HTTP API surface: POST /api/chat (JSON or SSE), GET /api/session/{uid}, GET /health
// ABOUTME: Streaming runs the turn on a detached context so persistence survives disconnects

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/yen-gateway/internal/identity"
	"github.com/2389/yen-gateway/internal/relay"
	"github.com/2389/yen-gateway/internal/router"
	"github.com/2389/yen-gateway/internal/store"
)

// storageUnavailableMessage is what users see when the database is out.
const storageUnavailableMessage = "Storage unavailable, please try again shortly."

// TurnRouter dispatches one turn; satisfied by *router.Dispatcher.
type TurnRouter interface {
	RouteTurn(ctx context.Context, turn router.Turn) (*router.Result, error)
}

// API serves the HTTP surface of the gateway.
type API struct {
	router TurnRouter
	store  store.Store
	logger *slog.Logger
}

func New(turnRouter TurnRouter, st store.Store) *API {
	return &API{
		router: turnRouter,
		store:  st,
		logger: slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes attaches the API handlers to the mux. The middleware,
// when non-nil, wraps the /api/* handlers but never /health.
func (a *API) RegisterRoutes(mux *http.ServeMux, middleware func(http.Handler) http.Handler) {
	wrap := func(h http.Handler) http.Handler {
		if middleware != nil {
			return middleware(h)
		}
		return h
	}
	mux.Handle("/api/chat", wrap(http.HandlerFunc(a.handleChat)))
	mux.Handle("/api/session/", wrap(http.HandlerFunc(a.handleSession)))
	mux.HandleFunc("/health", a.handleHealth)
}

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	CanonicalUserID string `json:"canonical_user_id"`
	Message         string `json:"message"`
	Mode            string `json:"mode,omitempty"`
	Channel         string `json:"channel,omitempty"`
	Stream          bool   `json:"stream,omitempty"`
}

// ChatResponse is the non-streaming reply, and the "done" SSE payload.
type ChatResponse struct {
	CanonicalUserID string `json:"canonical_user_id"`
	Mode            string `json:"mode"`
	SessionID       string `json:"active_session_id"`
	AssistantText   string `json:"assistant_text"`
	MessageCount    int    `json:"message_count"`
}

func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.CanonicalUserID) == "" {
		return nil, errors.New("canonical_user_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	if req.Channel == "" {
		req.Channel = "web"
	}
	return &req, nil
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn := router.Turn{
		RawUserID: req.CanonicalUserID,
		Channel:   req.Channel,
		Text:      req.Message,
		Mode:      req.Mode,
	}

	if req.Stream {
		a.streamChat(w, r, turn)
		return
	}

	// Detached from the client connection: once a turn is accepted its
	// answer gets persisted even if the caller goes away.
	res, err := a.router.RouteTurn(context.WithoutCancel(r.Context()), turn)
	if err != nil {
		a.sendTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chatResponseFrom(res))
}

// streamChat runs the turn in a goroutine and relays deltas as SSE
// "content" events, finishing with exactly one "done" or "error" event.
func (a *API) streamChat(w http.ResponseWriter, r *http.Request, turn router.Turn) {
	sse, err := relay.NewSSEWriter(w)
	if err != nil {
		a.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream := relay.NewStream()
	turn.Sink = stream

	outCh := make(chan turnOutcome, 1)
	go func() {
		res, err := a.router.RouteTurn(context.WithoutCancel(r.Context()), turn)
		if err != nil {
			// Unblock the delta loop; OnDone is idempotent.
			stream.OnDone()
		}
		outCh <- turnOutcome{res, err}
	}()

	heartbeat := time.NewTicker(relay.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client left. The turn keeps running and persisting.
			stream.Cancel()
			return

		case <-heartbeat.C:
			if err := sse.Heartbeat(); err != nil {
				stream.Cancel()
				return
			}

		case delta, ok := <-stream.Deltas():
			if !ok {
				a.finishStream(sse, <-outCh)
				return
			}
			if err := sse.WriteEvent("content", map[string]string{"text": delta}); err != nil {
				stream.Cancel()
				return
			}
		}
	}
}

type turnOutcome struct {
	res *router.Result
	err error
}

func (a *API) finishStream(sse *relay.SSEWriter, out turnOutcome) {
	if out.err != nil {
		a.logger.Warn("streamed turn failed", "error", out.err)
		msg := "internal error"
		switch {
		case router.IsStorageUnavailable(out.err):
			msg = storageUnavailableMessage
		case errors.Is(out.err, identity.ErrInvalidIdentity), errors.Is(out.err, router.ErrEmptyMessage):
			msg = out.err.Error()
		}
		sse.WriteEvent("error", map[string]string{"message": msg})
		return
	}
	sse.WriteEvent("done", chatResponseFrom(out.res))
}

// SessionResponse is the GET /api/session/{uid} reply.
type SessionResponse struct {
	CanonicalUserID string           `json:"canonical_user_id"`
	Mode            string           `json:"mode"`
	SessionID       string           `json:"session_id"`
	MessageCount    int              `json:"message_count"`
	Messages        []SessionMessage `json:"messages"`
}

type SessionMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	ToolName  string `json:"tool_name,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rawID := strings.TrimPrefix(r.URL.Path, "/api/session/")
	if rawID == "" || strings.Contains(rawID, "/") {
		a.sendJSONError(w, http.StatusBadRequest, "canonical user id is required")
		return
	}

	userID, err := identity.Normalize(rawID, "web")
	if err != nil {
		a.sendJSONError(w, http.StatusBadRequest, "invalid canonical user id")
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = router.DefaultMode
	}

	sess, err := a.store.GetLatest(r.Context(), userID, mode)
	if errors.Is(err, store.ErrNotFound) {
		a.sendJSONError(w, http.StatusNotFound, "no session")
		return
	}
	if err != nil {
		a.sendTurnError(w, err)
		return
	}

	resp := SessionResponse{
		CanonicalUserID: sess.CanonicalUserID,
		Mode:            sess.Mode,
		SessionID:       sess.ID,
		MessageCount:    len(sess.Messages),
		Messages:        make([]SessionMessage, 0, len(sess.Messages)),
	}
	for _, m := range sess.Messages {
		resp.Messages = append(resp.Messages, SessionMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
			ToolName:  m.ToolName,
			Caption:   m.Caption,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleHealth reports liveness plus a session count as a cheap
// storage probe. The count is omitted, not fatal, when the store is
// unreachable.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": true}
	if count, err := a.store.CountSessions(r.Context()); err == nil {
		resp["sessions"] = count
	} else {
		a.logger.Warn("session count unavailable", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// sendTurnError maps router errors onto HTTP statuses.
func (a *API) sendTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidIdentity), errors.Is(err, router.ErrEmptyMessage):
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
	case router.IsStorageUnavailable(err):
		a.sendJSONError(w, http.StatusServiceUnavailable, storageUnavailableMessage)
	default:
		a.logger.Error("turn failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func chatResponseFrom(res *router.Result) ChatResponse {
	return ChatResponse{
		CanonicalUserID: res.CanonicalUserID,
		Mode:            res.Mode,
		SessionID:       res.SessionID,
		AssistantText:   res.FinalText,
		MessageCount:    res.MessageCount,
	}
}
