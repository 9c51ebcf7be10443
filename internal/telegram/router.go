package telegram

import (
	"context"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/scanner"
	"github.com/kirillonishuk/majestic-rent-bot/internal/secrets"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
	"github.com/kirillonishuk/majestic-rent-bot/internal/userbot"
)

// Steps of the /connect conversation.
const (
	stepAwaitingPhone = "awaiting_phone"
	stepAwaitingCode  = "awaiting_code"
	stepAwaiting2FA   = "awaiting_2fa"
)

// authSession is one user's in-flight /connect conversation. Exactly one
// exists per chat; starting a new one destroys the previous flow first.
type authSession struct {
	step   string
	flow   *userbot.AuthFlow
	phone  string
	userID int64
}

// Router wires bot updates to handlers and owns the per-chat auth
// conversations. It is also the outbound-messaging surface for the scheduler
// (SendMessage) and the scanner (Send/Edit).
type Router struct {
	bot       *tgbotapi.BotAPI
	log       *zap.Logger
	repo      store.Repo
	registry  *userbot.Registry
	codec     *secrets.Codec
	dialer    stream.Dialer
	scanner   *scanner.Scanner
	webAppURL string

	mu   sync.Mutex
	auth map[int64]*authSession // chatID -> conversation
}

// NewRouter creates the bot router. The scanner is attached later via
// SetScanner because it needs the router as its progress sink.
func NewRouter(bot *tgbotapi.BotAPI, log *zap.Logger, repo store.Repo, registry *userbot.Registry, codec *secrets.Codec, dialer stream.Dialer, webAppURL string) *Router {
	return &Router{
		bot:       bot,
		log:       log,
		repo:      repo,
		registry:  registry,
		codec:     codec,
		dialer:    dialer,
		webAppURL: webAppURL,
		auth:      make(map[int64]*authSession),
	}
}

// SetScanner attaches the history scanner once it exists.
func (r *Router) SetScanner(s *scanner.Scanner) { r.scanner = s }

func (r *Router) getAuth(chatID int64) *authSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auth[chatID]
}

// setAuth installs a new auth conversation, destroying any previous flow for
// this chat first (explicit handoff, never garbage collection).
func (r *Router) setAuth(chatID int64, s *authSession) {
	r.mu.Lock()
	old := r.auth[chatID]
	r.auth[chatID] = s
	r.mu.Unlock()
	if old != nil {
		old.flow.Destroy()
	}
}

// clearAuth drops the conversation; destroy controls whether the underlying
// flow connection is torn down too (false after a successful handoff).
func (r *Router) clearAuth(chatID int64, destroy bool) {
	r.mu.Lock()
	s := r.auth[chatID]
	delete(r.auth, chatID)
	r.mu.Unlock()
	if s != nil && destroy {
		s.flow.Destroy()
	}
}

// HandleUpdate routes a single update.
func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	// An in-flight /connect conversation intercepts plain text and /cancel.
	if s := r.getAuth(chatID); s != nil {
		if text == "/cancel" {
			r.clearAuth(chatID, true)
			r.sendText(chatID, textAuthCancelled)
			return
		}
		if !strings.HasPrefix(text, "/") {
			r.handleAuthStep(ctx, chatID, s, msg)
			return
		}
		// Any other command abandons the flow.
		r.clearAuth(chatID, true)
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		r.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/connect"):
		r.handleConnect(ctx, chatID)
	case strings.HasPrefix(text, "/disconnect"):
		r.handleDisconnect(ctx, chatID)
	case strings.HasPrefix(text, "/rescan"):
		r.handleScan(ctx, chatID, true)
	case strings.HasPrefix(text, "/scan"):
		r.handleScan(ctx, chatID, false)
	case strings.HasPrefix(text, "/status"):
		r.handleStatus(ctx, chatID)
	default:
		// Not a known command and no pending conversation: ignore.
	}
}

// --- Outbound messaging ---

// SendMessage sends a plain text message. Satisfies scheduler.Sender.
func (r *Router) SendMessage(chatID int64, text string) error {
	_, err := r.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// Send posts a message and returns its id for later edits. Satisfies half of
// scanner.Progress.
func (r *Router) Send(chatID int64, text string) (int, error) {
	sent, err := r.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit rewrites a previously sent message in place; when the edit fails it
// falls back to sending a new message and returns the replacement id.
func (r *Router) Edit(chatID int64, messageID int, text string) (int, error) {
	if _, err := r.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err == nil {
		return messageID, nil
	}
	return r.Send(chatID, text)
}

func (r *Router) sendText(chatID int64, text string) {
	if err := r.SendMessage(chatID, text); err != nil {
		r.log.Warn("send failed", zap.Int64("chatID", chatID), zap.Error(err))
	}
}

func (r *Router) sendWithKeyboard(chatID int64, text string, kb tgbotapi.ReplyKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	if _, err := r.bot.Send(msg); err != nil {
		r.log.Warn("send failed", zap.Int64("chatID", chatID), zap.Error(err))
	}
}
