package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
	"github.com/kirillonishuk/majestic-rent-bot/internal/scanner"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/userbot"
)

// ensureUser makes sure a user row exists for the chat; created on first
// interaction, never deleted.
func (r *Router) ensureUser(ctx context.Context, msg *tgbotapi.Message) (*domain.User, error) {
	u, err := r.repo.GetUserByTelegramID(ctx, msg.Chat.ID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	u = &domain.User{TelegramID: msg.Chat.ID}
	if msg.From != nil {
		u.Username = msg.From.UserName
		u.FirstName = msg.From.FirstName
	}
	if err := r.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Router) userByChat(ctx context.Context, chatID int64) (*domain.User, bool) {
	u, err := r.repo.GetUserByTelegramID(ctx, chatID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Error("load user failed", zap.Int64("chatID", chatID), zap.Error(err))
		}
		return nil, false
	}
	return u, true
}

// --- Commands ---

func (r *Router) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	u, err := r.ensureUser(ctx, msg)
	if err != nil {
		r.log.Error("ensureUser failed", zap.Error(err))
		r.sendText(msg.Chat.ID, textInternalError)
		return
	}
	name := ""
	if msg.From != nil {
		name = msg.From.FirstName
	}
	r.sendWithKeyboard(msg.Chat.ID, startText(name, u.IsConnected), menuKeyboard(u.IsConnected, r.webAppURL))
}

func (r *Router) handleConnect(ctx context.Context, chatID int64) {
	u, ok := r.userByChat(ctx, chatID)
	if !ok {
		r.sendText(chatID, textNeedStart)
		return
	}
	if u.IsConnected {
		r.sendText(chatID, textAlreadyConnected)
		return
	}

	r.setAuth(chatID, &authSession{
		step:   stepAwaitingPhone,
		flow:   userbot.NewAuthFlow(r.dialer),
		userID: u.ID,
	})
	r.sendText(chatID, textAskPhone)
}

func (r *Router) handleDisconnect(ctx context.Context, chatID int64) {
	u, ok := r.userByChat(ctx, chatID)
	if !ok || !u.IsConnected {
		r.sendText(chatID, textNotConnected)
		return
	}

	r.registry.RemoveClient(u.ID)
	if err := r.repo.ClearUserSession(ctx, u.ID); err != nil {
		r.log.Error("clear session failed", zap.Int64("userID", u.ID), zap.Error(err))
		r.sendText(chatID, textInternalError)
		return
	}
	r.sendWithKeyboard(chatID, textDisconnected, menuKeyboard(false, r.webAppURL))
}

func (r *Router) handleScan(ctx context.Context, chatID int64, full bool) {
	u, ok := r.userByChat(ctx, chatID)
	if !ok || !u.IsConnected {
		r.sendText(chatID, textNotConnected)
		return
	}
	if r.scanner.IsScanning(u.ID) {
		r.sendText(chatID, textScanRunning)
		return
	}

	r.sendText(chatID, textScanStarting)
	userID := u.ID
	go func() {
		if _, err := r.scanner.Scan(context.Background(), userID, full); err != nil &&
			!errors.Is(err, scanner.ErrScanInProgress) {
			r.log.Error("scan failed", zap.Int64("userID", userID), zap.Error(err))
		}
	}()
}

func (r *Router) handleStatus(ctx context.Context, chatID int64) {
	u, ok := r.userByChat(ctx, chatID)
	if !ok {
		r.sendText(chatID, textNeedStart)
		return
	}

	stats, err := r.repo.GetRentalStats(ctx, u.ID, time.Now())
	if err != nil {
		r.log.Error("stats failed", zap.Int64("userID", u.ID), zap.Error(err))
		r.sendText(chatID, textInternalError)
		return
	}

	conn := "❌ Не подключён"
	switch {
	case r.registry.IsConnected(u.ID):
		conn = "✅ Онлайн"
	case u.IsConnected:
		conn = "⚠️ Переподключение..."
	}

	r.sendText(chatID, fmt.Sprintf(statusFmt,
		conn, stats.TotalRentals, stats.TotalRevenue, stats.ActiveRentals))
}

// --- /connect conversation ---

func (r *Router) handleAuthStep(ctx context.Context, chatID int64, s *authSession, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	switch s.step {
	case stepAwaitingPhone:
		r.handlePhone(ctx, chatID, s, text)
	case stepAwaitingCode:
		r.handleCode(ctx, chatID, s, text)
	case stepAwaiting2FA:
		r.handle2FA(ctx, chatID, s, msg)
	}
}

func (r *Router) handlePhone(ctx context.Context, chatID int64, s *authSession, text string) {
	// International format only; checked here so the flow never sees a bad
	// number.
	if !strings.HasPrefix(text, "+") {
		r.sendText(chatID, textBadPhone)
		return
	}
	s.phone = text
	r.sendText(chatID, textSendingCode)

	if err := s.flow.StartAuth(ctx, text); err != nil {
		r.log.Error("startAuth failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textAuthFailed)
		return
	}
	s.step = stepAwaitingCode
	r.sendText(chatID, textAskCode)
}

func (r *Router) handleCode(ctx context.Context, chatID int64, s *authSession, text string) {
	code := digitsOnly(text)
	if code == "" {
		r.sendText(chatID, textBadCode)
		return
	}

	needs2FA, err := s.flow.SubmitCode(ctx, s.phone, code)
	if err != nil {
		r.log.Warn("submitCode failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textCodeRejected)
		return
	}
	if needs2FA {
		s.step = stepAwaiting2FA
		r.sendText(chatID, textAsk2FA)
		return
	}
	r.finishAuth(ctx, chatID, s)
}

func (r *Router) handle2FA(ctx context.Context, chatID int64, s *authSession, msg *tgbotapi.Message) {
	// Remove the password message so the secret does not sit in the chat.
	if _, err := r.bot.Request(tgbotapi.NewDeleteMessage(chatID, msg.MessageID)); err != nil {
		r.log.Debug("delete password message failed", zap.Error(err))
	}

	if err := s.flow.SubmitPassword(ctx, strings.TrimSpace(msg.Text)); err != nil {
		r.log.Warn("submitPassword failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textBadPassword)
		return
	}
	r.finishAuth(ctx, chatID, s)
}

// finishAuth persists the encrypted credential and hands the live connection
// over to the registry, which triggers the catch-up scan.
func (r *Router) finishAuth(ctx context.Context, chatID int64, s *authSession) {
	sessionData, err := s.flow.SessionData(ctx)
	if err != nil {
		r.log.Error("session export failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textAuthFailed)
		return
	}
	encrypted, err := r.codec.Encrypt(sessionData)
	if err != nil {
		r.log.Error("session encrypt failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textAuthFailed)
		return
	}
	if err := r.repo.SetUserSession(ctx, s.userID, encrypted); err != nil {
		r.log.Error("session persist failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textAuthFailed)
		return
	}

	conn, err := s.flow.TakeConn()
	if err != nil {
		r.log.Error("conn handoff failed", zap.Int64("chatID", chatID), zap.Error(err))
		r.clearAuth(chatID, true)
		r.sendText(chatID, textAuthFailed)
		return
	}
	r.registry.AdoptConn(s.userID, conn)

	// The flow no longer owns the connection; nothing left to destroy.
	r.clearAuth(chatID, false)
	r.sendWithKeyboard(chatID, textConnected, menuKeyboard(true, r.webAppURL))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
