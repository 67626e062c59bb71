// ABOUTME: Telegram channel adapter: long-poll loop feeding the turn dispatcher.
// ABOUTME: Dedupes updates, serializes per chat, turns photos into media-stub turns.

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/yen-gateway/internal/dedupe"
	"github.com/2389/yen-gateway/internal/router"
	"github.com/2389/yen-gateway/internal/store"
)

const (
	pollTimeout = 30 * time.Second
	pollBackoff = 2 * time.Second

	dedupeTTL  = 10 * time.Minute
	dedupeSize = 4096

	storageUnavailableReply = "Storage unavailable, please try again shortly."
	genericErrorReply       = "Sorry, something went wrong. Please try again."
)

// TurnRouter dispatches one turn; satisfied by *router.Dispatcher.
type TurnRouter interface {
	RouteTurn(ctx context.Context, turn router.Turn) (*router.Result, error)
}

// Options configures the bot.
type Options struct {
	Token string
	// BaseURL overrides the Bot API endpoint, used by tests.
	BaseURL string
	// AllowedUsers, when non-empty, restricts the bot to these Telegram
	// user IDs. Everyone else is silently ignored.
	AllowedUsers []int64
	// DefaultMode applies to chats that never ran /mode.
	DefaultMode string
}

// Bot long-polls the Telegram Bot API and routes each inbound message
// as a turn. Updates within a chat run in order; distinct chats run
// concurrently.
type Bot struct {
	api         *api
	router      TurnRouter
	seen        *dedupe.Cache
	allowed     map[int64]struct{}
	defaultMode string
	logger      *slog.Logger

	mu        sync.Mutex
	modes     map[int64]string
	chatLocks map[int64]*sync.Mutex

	wg sync.WaitGroup
}

// NewBot creates a Telegram adapter over the given turn router.
func NewBot(opts Options, turnRouter TurnRouter, logger *slog.Logger) *Bot {
	var allowed map[int64]struct{}
	if len(opts.AllowedUsers) > 0 {
		allowed = make(map[int64]struct{}, len(opts.AllowedUsers))
		for _, id := range opts.AllowedUsers {
			allowed[id] = struct{}{}
		}
	}
	defaultMode := strings.TrimSpace(opts.DefaultMode)
	if defaultMode == "" {
		defaultMode = router.DefaultMode
	}
	return &Bot{
		api:         newAPI(opts.BaseURL, opts.Token),
		router:      turnRouter,
		seen:        dedupe.New(dedupeTTL, dedupeSize),
		allowed:     allowed,
		defaultMode: defaultMode,
		logger:      logger.With("component", "telegram"),
		modes:       make(map[int64]string),
		chatLocks:   make(map[int64]*sync.Mutex),
	}
}

// Run polls for updates until ctx is cancelled. It blocks.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.api.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	b.logger.Info("telegram bot started", "username", me.Username)

	var offset int64
	for {
		updates, next, err := b.api.getUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.wg.Wait()
				b.seen.Close()
				return nil
			}
			b.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				b.wg.Wait()
				b.seen.Close()
				return nil
			case <-time.After(pollBackoff):
			}
			continue
		}
		offset = next

		// Group by chat so messages within a chat keep their order while
		// distinct chats proceed concurrently.
		byChat := make(map[int64][]*message)
		for _, u := range updates {
			if u.Message == nil || u.Message.Chat == nil {
				continue
			}
			if b.seen.Seen(u.UpdateID) {
				continue
			}
			byChat[u.Message.Chat.ID] = append(byChat[u.Message.Chat.ID], u.Message)
		}

		for chatID, msgs := range byChat {
			b.wg.Add(1)
			go func(chatID int64, msgs []*message) {
				defer b.wg.Done()
				lock := b.chatLock(chatID)
				lock.Lock()
				defer lock.Unlock()
				for _, msg := range msgs {
					b.handleMessage(ctx, msg)
				}
			}(chatID, msgs)
		}
	}
}

// chatLock returns the mutex serializing one chat's messages.
func (b *Bot) chatLock(chatID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		b.chatLocks[chatID] = lock
	}
	return lock
}

func (b *Bot) handleMessage(ctx context.Context, msg *message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if b.allowed != nil {
		if _, ok := b.allowed[msg.From.ID]; !ok {
			b.logger.Warn("ignoring message from unauthorized user", "user_id", msg.From.ID)
			return
		}
	}

	if reply, handled := b.handleCommand(msg); handled {
		b.reply(ctx, msg.Chat.ID, reply)
		return
	}

	text, err := b.turnText(ctx, msg)
	if err != nil {
		b.logger.Warn("failed to resolve message media", "error", err)
		b.reply(ctx, msg.Chat.ID, "I couldn't fetch that attachment, sorry.")
		return
	}
	if text == "" {
		return
	}

	res, err := b.router.RouteTurn(ctx, router.Turn{
		RawUserID: fmt.Sprintf("tg_%d", msg.From.ID),
		Channel:   "telegram",
		Text:      text,
		Mode:      b.chatMode(msg.Chat.ID),
	})
	if err != nil {
		b.logger.Error("turn failed", "user_id", msg.From.ID, "error", err)
		if router.IsStorageUnavailable(err) {
			b.reply(ctx, msg.Chat.ID, storageUnavailableReply)
		} else if !errors.Is(err, router.ErrEmptyMessage) {
			b.reply(ctx, msg.Chat.ID, genericErrorReply)
		}
		return
	}
	b.reply(ctx, msg.Chat.ID, res.FinalText)
}

// handleCommand intercepts adapter-level commands. Session commands
// like /reset fall through to the dispatcher.
func (b *Bot) handleCommand(msg *message) (string, bool) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/start":
		return "Hello! Send me a message and I'll answer. Use /mode <name> to switch modes and /reset to start over.", true
	case text == "/mode":
		return fmt.Sprintf("Current mode: %s", b.chatMode(msg.Chat.ID)), true
	case strings.HasPrefix(text, "/mode "):
		mode := strings.TrimSpace(strings.TrimPrefix(text, "/mode "))
		b.setChatMode(msg.Chat.ID, mode)
		return fmt.Sprintf("Mode set to %s.", mode), true
	}
	return "", false
}

// turnText renders the message as turn content. Photos become a media
// stub pointing at Telegram's file URL so the caption worker can
// describe them later; a user caption rides along after the stub.
func (b *Bot) turnText(ctx context.Context, msg *message) (string, error) {
	if len(msg.Photo) == 0 {
		return strings.TrimSpace(msg.Text), nil
	}

	best := msg.Photo[0]
	for _, p := range msg.Photo[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	f, err := b.api.getFile(ctx, best.FileID)
	if err != nil {
		return "", err
	}
	text := store.MediaMarker("photo", b.api.fileURL(f.FilePath))
	if caption := strings.TrimSpace(msg.Caption); caption != "" {
		text += "\n" + caption
	}
	return text, nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.api.sendMessageChunked(ctx, chatID, text); err != nil {
		b.logger.Error("sendMessage failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) chatMode(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mode, ok := b.modes[chatID]; ok && mode != "" {
		return mode
	}
	return b.defaultMode
}

func (b *Bot) setChatMode(chatID int64, mode string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modes[chatID] = mode
}
