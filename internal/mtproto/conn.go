// Package mtproto implements the stream interfaces on top of gotd/td. Each
// Conn owns one MTProto client with an in-memory session storage, so the
// credential can be exported after login and restored on reconnect.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
)

const (
	historyBatch = 100
	// Courtesy pause between history pages; FLOOD_WAIT handles the rest.
	historyPageDelay = 2 * time.Second
	dialTimeout      = 30 * time.Second
)

// Options configure every connection a Dialer produces.
type Options struct {
	AppID     int
	AppHash   string
	SourceBot string // username of the tracked source account, without "@"
	Logger    *zap.Logger
}

// Dialer opens MTProto connections. Implements stream.Dialer.
type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial starts a client and waits until it is running. Empty sessionData gives
// an unauthenticated connection for a fresh login flow.
func (d *Dialer) Dial(ctx context.Context, sessionData []byte) (stream.Conn, error) {
	c := &Conn{
		opts:    d.opts,
		storage: &session.StorageMemory{},
		done:    make(chan struct{}),
	}
	if len(sessionData) > 0 {
		if err := c.storage.StoreSession(ctx, sessionData); err != nil {
			return nil, fmt.Errorf("restore session: %w", err)
		}
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(c.handleNewMessage)

	c.client = telegram.NewClient(d.opts.AppID, d.opts.AppHash, telegram.Options{
		SessionStorage: c.storage,
		UpdateHandler:  dispatcher,
		Logger:         d.opts.Logger,
	})

	ready := make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		c.runErr = c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("mtproto run: %w", c.runErr)
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, ctx.Err()
	case <-time.After(dialTimeout):
		cancel()
		<-c.done
		return nil, errors.New("mtproto: dial timeout")
	}
}

// Conn is one live MTProto connection. Implements stream.Conn.
type Conn struct {
	opts    Options
	client  *telegram.Client
	storage *session.StorageMemory

	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	closeOnce sync.Once

	mu        sync.Mutex
	onMessage func(stream.Message)
	source    *tg.User // resolved source account, cached
}

// SendCode requests a one-time login code.
func (c *Conn) SendCode(ctx context.Context, phone string) (string, error) {
	sent, err := c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", translateErr(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("mtproto: unexpected sent code response %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// SignIn completes login with the received code.
func (c *Conn) SignIn(ctx context.Context, phone, codeHash, code string) error {
	_, err := c.client.Auth().SignIn(ctx, phone, code, codeHash)
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return stream.ErrPasswordNeeded
	}
	return translateErr(err)
}

// CheckPassword verifies the account's 2FA password using the protocol's
// SRP challenge-response.
func (c *Conn) CheckPassword(ctx context.Context, password string) error {
	if _, err := c.client.Auth().Password(ctx, password); err != nil {
		return translateErr(err)
	}
	return nil
}

// ExportSession serializes the session credential for storage at rest.
func (c *Conn) ExportSession(ctx context.Context) ([]byte, error) {
	data, err := c.storage.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("export session: %w", err)
	}
	return data, nil
}

// OnSourceMessage registers the live-event callback. Only messages from the
// tracked source account reach it.
func (c *Conn) OnSourceMessage(fn func(stream.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Conn) handleNewMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
	msg, ok := update.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}

	senderID, ok := peerUserID(msg)
	if !ok {
		return nil
	}
	sender, ok := e.Users[senderID]
	if !ok || !strings.EqualFold(sender.Username, c.opts.SourceBot) {
		return nil
	}

	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn == nil {
		return nil
	}

	fn(stream.Message{
		ID:   int64(msg.ID),
		Text: msg.Message,
		Date: time.Unix(int64(msg.Date), 0).UTC(),
	})
	return nil
}

func peerUserID(msg *tg.Message) (int64, bool) {
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		return from.UserID, true
	}
	if peer, ok := msg.PeerID.(*tg.PeerUser); ok {
		return peer.UserID, true
	}
	return 0, false
}

// resolveSource resolves and caches the source account peer.
func (c *Conn) resolveSource(ctx context.Context) (*tg.User, error) {
	c.mu.Lock()
	cached := c.source
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resolved, err := c.client.API().ContactsResolveUsername(ctx, c.opts.SourceBot)
	if err != nil {
		return nil, translateErr(err)
	}
	peer, ok := resolved.Peer.(*tg.PeerUser)
	if !ok {
		return nil, fmt.Errorf("mtproto: source %q is not a user peer", c.opts.SourceBot)
	}
	for _, u := range resolved.Users {
		user, ok := u.(*tg.User)
		if !ok || user.ID != peer.UserID {
			continue
		}
		c.mu.Lock()
		c.source = user
		c.mu.Unlock()
		return user, nil
	}
	return nil, fmt.Errorf("mtproto: source %q not found in resolve response", c.opts.SourceBot)
}

// History walks the dialog with the source account ascending by message id,
// starting strictly after minID. Pagination mirrors reverse iteration: each
// page requests the window just above the current offset, is processed
// oldest-first, and advances the offset to the highest id seen.
func (c *Conn) History(ctx context.Context, minID int64, fn func(stream.Message) error) error {
	source, err := c.resolveSource(ctx)
	if err != nil {
		return err
	}
	api := c.client.API()
	offsetID := int(minID)

	for {
		res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      source.AsInputPeer(),
			OffsetID:  offsetID,
			AddOffset: -historyBatch,
			Limit:     historyBatch,
			MinID:     offsetID,
		})
		if err != nil {
			return translateErr(err)
		}

		msgs := extractMessages(res)
		progressed := false
		for i := len(msgs) - 1; i >= 0; i-- {
			msg, ok := msgs[i].(*tg.Message)
			if !ok || msg.ID <= offsetID {
				continue
			}
			progressed = true
			if !msg.Out {
				if err := fn(stream.Message{
					ID:   int64(msg.ID),
					Text: msg.Message,
					Date: time.Unix(int64(msg.Date), 0).UTC(),
				}); err != nil {
					return err
				}
			}
			offsetID = msg.ID
		}
		if !progressed || len(msgs) < historyBatch {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(historyPageDelay):
		}
	}
}

func extractMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

// Close stops the run loop and waits for it to exit. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

// translateErr maps protocol rate limiting onto the stream-level signal.
func translateErr(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &stream.FloodWaitError{Wait: wait}
	}
	return err
}
