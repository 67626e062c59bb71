// ABOUTME: Turn dispatcher: normalize identity, load session, select tool, invoke, persist
// ABOUTME: Record-first pipeline; capability failures become a persisted apology, never an error

package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/yen-gateway/internal/identity"
	"github.com/2389/yen-gateway/internal/relay"
	"github.com/2389/yen-gateway/internal/store"
	"github.com/2389/yen-gateway/internal/tools"
)

// DefaultMode is used when a turn names no mode.
const DefaultMode = "default"

// ErrEmptyMessage rejects turns with no text.
var ErrEmptyMessage = errors.New("empty message")

// persistTimeout bounds the detached writes that must survive client
// disconnects.
const persistTimeout = 5 * time.Second

// MediaNotifier is told about media messages so captions can be
// reconciled in the background. Implementations must not block.
type MediaNotifier interface {
	NotifyMedia(sessionID string, index int, kind, url string)
}

// Turn is one inbound user message from any channel.
type Turn struct {
	RawUserID string
	Channel   string
	Text      string
	Mode      string
	// Sink, when non-nil, receives cumulative partial text while the
	// tool streams. The final answer is persisted whether or not the
	// sink is still listening.
	Sink relay.Sink
}

// Result summarizes a completed turn.
type Result struct {
	CanonicalUserID string
	Mode            string
	SessionID       string
	FinalText       string
	MessageCount    int
	ToolName        string
}

// Options configures a Dispatcher.
type Options struct {
	// Prompts maps mode name to its session system prompt. The
	// DefaultMode entry doubles as the fallback for unknown modes.
	Prompts map[string]string
	// Apology is persisted as the assistant turn when a capability
	// fails or times out.
	Apology string
	// InvokeTimeout bounds each tool invocation.
	InvokeTimeout time.Duration
}

// Dispatcher routes turns through the fixed pipeline: identity, session
// load, user-message append, tool selection, invocation, assistant
// append. The user message is recorded before the tool runs; whatever
// happens after that, the transcript shows the question was received.
type Dispatcher struct {
	store    store.Store
	registry *tools.Registry
	media    MediaNotifier
	opts     Options
	logger   *slog.Logger
}

func New(st store.Store, registry *tools.Registry, media MediaNotifier, opts Options) *Dispatcher {
	if opts.Apology == "" {
		opts.Apology = "Sorry, I ran into a problem answering that. Please try again."
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		store:    st,
		registry: registry,
		media:    media,
		opts:     opts,
		logger:   slog.Default().With("component", "router"),
	}
}

// RouteTurn processes one turn to completion and returns the persisted
// outcome. Identity and storage failures are returned as errors;
// capability failures are not, they surface as an apology in FinalText.
func (d *Dispatcher) RouteTurn(ctx context.Context, turn Turn) (*Result, error) {
	userID, err := identity.Normalize(turn.RawUserID, turn.Channel)
	if err != nil {
		return nil, err
	}

	mode := turn.Mode
	if mode == "" {
		mode = DefaultMode
	}
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	if isResetCommand(text) {
		return d.reset(ctx, userID, mode, turn.Sink)
	}

	sess, err := d.store.GetOrStart(ctx, userID, mode, d.prompt(mode))
	if err != nil {
		return nil, err
	}
	history := sess.Messages

	sess, userIdx, err := d.store.Append(ctx, sess.ID, store.Message{
		Role:    store.RoleUser,
		Content: text,
	})
	if err != nil {
		return nil, err
	}

	// The caption job targets the message just inserted; a concurrent
	// turn may have appended again before the session reloaded, so the
	// assigned index is the only safe reference.
	if kind, url, ok := store.ParseMediaMarker(text); ok && d.media != nil {
		d.media.NotifyMedia(sess.ID, userIdx, kind, url)
	}

	sel := d.registry.Select(text, history)
	toolName := sel.Tool.Descriptor().Name
	d.logger.Info("turn routed",
		"canonical_user_id", userID,
		"mode", mode,
		"session_id", sess.ID,
		"tool", toolName,
		"continued", sel.Continued)

	finalText, invokeErr := d.invoke(ctx, sel.Tool, text, history, turn.Sink)
	if invokeErr != nil {
		d.logger.Warn("capability failed, persisting apology",
			"tool", toolName, "error", invokeErr)
		finalText = d.opts.Apology
	}

	// Persist with a detached context: the answer was produced, a
	// disconnected client must not lose it.
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	sess, _, err = d.store.Append(pctx, sess.ID, store.Message{
		Role:     store.RoleAssistant,
		Content:  finalText,
		ToolName: toolName,
	})
	if err != nil {
		return nil, err
	}

	if turn.Sink != nil {
		if !sinkCanceled(turn.Sink) {
			turn.Sink.OnPartial(finalText)
		}
		turn.Sink.OnDone()
	}

	return &Result{
		CanonicalUserID: userID,
		Mode:            mode,
		SessionID:       sess.ID,
		FinalText:       finalText,
		MessageCount:    len(sess.Messages),
		ToolName:        toolName,
	}, nil
}

// invoke runs the tool under the configured timeout, streaming through
// the sink when both sides support it.
func (d *Dispatcher) invoke(ctx context.Context, tool tools.Tool, text string, history []store.Message, sink relay.Sink) (string, error) {
	ictx, cancel := context.WithTimeout(ctx, d.opts.InvokeTimeout)
	defer cancel()

	req := &tools.Request{Turn: text}
	if tool.Descriptor().NeedsHistory {
		req.History = history
	}

	if sink == nil {
		return tool.Invoke(ictx, req)
	}

	ch, err := tool.InvokeStreaming(ictx, req)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		full.WriteString(chunk.Text)
		// A detached consumer still gets the turn persisted; it just
		// stops receiving partials.
		if !sinkCanceled(sink) {
			sink.OnPartial(full.String())
		}
	}
	if err := ictx.Err(); err != nil {
		return "", &tools.CapabilityError{Tool: tool.Descriptor().Name, Err: err}
	}
	return full.String(), nil
}

// reset starts a fresh session and confirms without invoking a tool.
func (d *Dispatcher) reset(ctx context.Context, userID, mode string, sink relay.Sink) (*Result, error) {
	sess, err := d.store.StartNew(ctx, userID, mode, d.prompt(mode))
	if err != nil {
		return nil, err
	}

	const confirmation = "Started a fresh conversation."
	sess, _, err = d.store.Append(ctx, sess.ID, store.Message{
		Role:    store.RoleAssistant,
		Content: confirmation,
	})
	if err != nil {
		return nil, err
	}

	if sink != nil {
		if !sinkCanceled(sink) {
			sink.OnPartial(confirmation)
		}
		sink.OnDone()
	}

	d.logger.Info("session reset", "canonical_user_id", userID, "mode", mode, "session_id", sess.ID)
	return &Result{
		CanonicalUserID: userID,
		Mode:            mode,
		SessionID:       sess.ID,
		FinalText:       confirmation,
		MessageCount:    len(sess.Messages),
	}, nil
}

func (d *Dispatcher) prompt(mode string) string {
	if p, ok := d.opts.Prompts[mode]; ok {
		return p
	}
	return d.opts.Prompts[DefaultMode]
}

// sinkCanceled reports whether the sink's consumer has detached, for
// sinks that can tell (relay.Stream can).
func sinkCanceled(sink relay.Sink) bool {
	c, ok := sink.(interface{ Canceled() bool })
	return ok && c.Canceled()
}

func isResetCommand(text string) bool {
	switch strings.ToLower(text) {
	case "/reset", "/new":
		return true
	}
	return false
}

// IsStorageUnavailable reports whether err is an infrastructure failure
// callers should present as a temporary outage.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, store.ErrStorageUnavailable)
}
