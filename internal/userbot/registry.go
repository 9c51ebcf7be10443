package userbot

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/secrets"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
)

// Registry is the process-wide map from user to live session client. It owns
// startup restore and shutdown teardown. Mutation is serialized behind one
// mutex; status reads take the read lock.
type Registry struct {
	repo   store.Repo
	codec  *secrets.Codec
	dialer stream.Dialer
	log    *zap.Logger

	// onMessage builds the live-event callback for a user (rental ingestion).
	onMessage func(userID int64) func(stream.Message)
	// onConnected, when set, runs after a client is registered; the app uses
	// it to kick off a catch-up history scan.
	onConnected func(userID int64)

	mu      sync.RWMutex
	clients map[int64]*Client
}

func NewRegistry(repo store.Repo, codec *secrets.Codec, dialer stream.Dialer, onMessage func(userID int64) func(stream.Message), log *zap.Logger) *Registry {
	return &Registry{
		repo:      repo,
		codec:     codec,
		dialer:    dialer,
		log:       log,
		onMessage: onMessage,
		clients:   make(map[int64]*Client),
	}
}

// OnConnected installs the post-registration hook. Set before Initialize.
func (r *Registry) OnConnected(fn func(userID int64)) {
	r.onConnected = fn
}

// Initialize reconnects every user flagged connected. A decrypt or connect
// failure clears that one user's flag and moves on: a bad credential never
// takes the whole startup down.
func (r *Registry) Initialize(ctx context.Context) error {
	users, err := r.repo.ListConnectedUsers(ctx)
	if err != nil {
		return err
	}
	r.log.Info("restoring userbot sessions", zap.Int("count", len(users)))

	for _, u := range users {
		if u.Session == "" {
			continue
		}
		sessionData, err := r.codec.Decrypt(u.Session)
		if err == nil {
			err = r.AddSession(ctx, u.ID, sessionData)
		}
		if err != nil {
			r.log.Error("failed to restore userbot session",
				zap.Int64("userID", u.ID), zap.Error(err))
			if dbErr := r.repo.SetConnected(ctx, u.ID, false); dbErr != nil {
				r.log.Error("failed to clear connected flag",
					zap.Int64("userID", u.ID), zap.Error(dbErr))
			}
		}
	}
	return nil
}

// AddSession dials a stored credential and registers the resulting client,
// replacing any previous one for the user.
func (r *Registry) AddSession(ctx context.Context, userID int64, sessionData []byte) error {
	client, err := Connect(ctx, r.dialer, userID, sessionData, r.onMessage(userID))
	if err != nil {
		return err
	}
	r.AddClient(userID, client)
	return nil
}

// AdoptConn wraps an already-authenticated connection, as handed over by a
// completed auth flow, and registers it without reconnecting.
func (r *Registry) AdoptConn(userID int64, conn stream.Conn) {
	r.AddClient(userID, NewClient(userID, conn, r.onMessage(userID)))
}

// AddClient registers a client, disconnecting any previous one for the same
// user first. Idempotent swap.
func (r *Registry) AddClient(userID int64, client *Client) {
	r.mu.Lock()
	old := r.clients[userID]
	r.clients[userID] = client
	r.mu.Unlock()

	if old != nil && old != client {
		if err := old.Disconnect(); err != nil {
			r.log.Warn("disconnect of replaced client failed",
				zap.Int64("userID", userID), zap.Error(err))
		}
	}
	r.log.Info("userbot connected", zap.Int64("userID", userID))

	if r.onConnected != nil {
		r.onConnected(userID)
	}
}

// RemoveClient disconnects and forgets a user's client. Removing an unknown
// user is a no-op.
func (r *Registry) RemoveClient(userID int64) {
	r.mu.Lock()
	client := r.clients[userID]
	delete(r.clients, userID)
	r.mu.Unlock()

	if client == nil {
		return
	}
	if err := client.Disconnect(); err != nil {
		r.log.Warn("disconnect failed", zap.Int64("userID", userID), zap.Error(err))
	}
}

// Get returns a user's live client, if any.
func (r *Registry) Get(userID int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[userID]
	return client, ok
}

// IsConnected reports whether the user has a live, connected client.
func (r *Registry) IsConnected(userID int64) bool {
	client, ok := r.Get(userID)
	return ok && client.IsConnected()
}

// DisconnectAll tears down every live connection during shutdown, collecting
// per-user errors without aborting the loop.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[int64]*Client)
	r.mu.Unlock()

	for userID, client := range clients {
		if err := client.Disconnect(); err != nil {
			r.log.Warn("disconnect failed during shutdown",
				zap.Int64("userID", userID), zap.Error(err))
		}
	}
}
