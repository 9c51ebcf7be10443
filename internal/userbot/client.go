package userbot

import (
	"context"
	"sync"

	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
)

// Client wraps one user's live message-stream connection: a connected flag
// plus the bound event callback, already filtered to the tracked source
// account by the underlying connection.
type Client struct {
	userID    int64
	onMessage func(stream.Message)

	mu        sync.Mutex
	conn      stream.Conn
	connected bool
}

// NewClient adopts an already-authenticated connection, as handed over by a
// completed auth flow, and binds the event callback.
func NewClient(userID int64, conn stream.Conn, onMessage func(stream.Message)) *Client {
	c := &Client{userID: userID, onMessage: onMessage, conn: conn, connected: true}
	conn.OnSourceMessage(onMessage)
	return c
}

// Connect dials a connection from a stored session credential and binds the
// event callback.
func Connect(ctx context.Context, dialer stream.Dialer, userID int64, sessionData []byte, onMessage func(stream.Message)) (*Client, error) {
	conn, err := dialer.Dial(ctx, sessionData)
	if err != nil {
		return nil, err
	}
	return NewClient(userID, conn, onMessage), nil
}

// UserID returns the owning user's internal id.
func (c *Client) UserID() int64 { return c.userID }

// IsConnected reports whether the link is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the link and clears the flag. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.conn.Close()
}

// History streams source-account messages with id > minID in ascending order.
func (c *Client) History(ctx context.Context, minID int64, fn func(stream.Message) error) error {
	return c.conn.History(ctx, minID, fn)
}
