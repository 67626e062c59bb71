// ABOUTME: Minimal browser chat UI: renders a session transcript and streams new turns.
// ABOUTME: Server-side goldmark rendering for history, SSE over /api/chat for live replies.

package webchat

import (
	"bytes"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/yen-gateway/internal/identity"
	"github.com/2389/yen-gateway/internal/router"
	"github.com/2389/yen-gateway/internal/store"
)

// Handler serves the chat page.
type Handler struct {
	store  store.Store
	logger *slog.Logger
}

// New creates the web chat handler over the session store.
func New(st store.Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		logger: logger.With("component", "webchat"),
	}
}

// RegisterRoutes mounts the chat page on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/chat", h.handleChat)
}

// messageView is one transcript entry prepared for the template.
type messageView struct {
	Role    string
	HTML    template.HTML
	Caption string
}

type chatPageData struct {
	Title    string
	UserID   string
	Mode     string
	Messages []messageView
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		http.Error(w, "missing uid", http.StatusBadRequest)
		return
	}
	userID, err := identity.Normalize(uid, "web")
	if err != nil {
		http.Error(w, "invalid uid", http.StatusBadRequest)
		return
	}
	mode := strings.TrimSpace(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = router.DefaultMode
	}

	data := chatPageData{
		Title:  "Chat",
		UserID: userID,
		Mode:   mode,
	}

	sess, err := h.store.GetLatest(r.Context(), userID, mode)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Fresh user, empty transcript.
	case err != nil:
		h.logger.Error("failed to load session", "canonical_user_id", userID, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	default:
		for _, m := range sess.Messages {
			if m.Role == store.RoleSystem {
				continue
			}
			data.Messages = append(data.Messages, messageView{
				Role:    m.Role,
				HTML:    renderMarkdown(m.Content),
				Caption: m.Caption,
			})
		}
	}

	tmpl := template.Must(template.ParseFS(templateFS, "templates/chat.html"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render chat page", "error", err)
	}
}

// renderMarkdown converts assistant markdown to HTML. On conversion
// failure the raw text is shown escaped rather than dropped.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML("<p>" + template.HTMLEscapeString(md) + "</p>")
	}
	return template.HTML(buf.String())
}
