// Package stream defines the message-stream capability the userbot consumes:
// an authenticated per-user connection to the chat network, history iteration,
// and the distinguished rate-limit signal. The MTProto implementation lives in
// internal/mtproto; tests substitute fakes.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one message from the tracked source account.
type Message struct {
	ID   int64
	Text string
	Date time.Time
}

// ErrPasswordNeeded is returned by SignIn when the account has two-factor
// authentication enabled and a cloud password must be checked next.
var ErrPasswordNeeded = errors.New("stream: password needed")

// FloodWaitError is the mandatory cooldown signaled by the remote protocol.
// Callers must wait for at least Wait before issuing further requests.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("stream: flood wait %s", e.Wait)
}

// AsFloodWait extracts a flood-wait duration from err, if present.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// Conn is one live authenticated connection to the chat network. A Conn is
// produced either by a fresh login (Dialer.Dial with empty session) or by
// restoring a saved session.
type Conn interface {
	// SendCode requests a one-time login code for the phone number and
	// returns the code hash needed by SignIn.
	SendCode(ctx context.Context, phone string) (codeHash string, err error)

	// SignIn completes login with the received code. Returns
	// ErrPasswordNeeded when a 2FA password check is required.
	SignIn(ctx context.Context, phone, codeHash, code string) error

	// CheckPassword verifies the account's 2FA password via the protocol's
	// challenge-response primitive.
	CheckPassword(ctx context.Context, password string) error

	// ExportSession serializes the connection's credential so it can be
	// stored and later passed to Dialer.Dial.
	ExportSession(ctx context.Context) ([]byte, error)

	// OnSourceMessage registers the callback for new messages from the
	// tracked source account. At most one callback is active per Conn.
	OnSourceMessage(fn func(Message))

	// History calls fn for every source-account message with id > minID in
	// ascending id order. fn returning an error stops the iteration.
	History(ctx context.Context, minID int64, fn func(Message) error) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens connections. sessionData restores a saved credential; empty
// data starts an unauthenticated connection for a fresh login flow.
type Dialer interface {
	Dial(ctx context.Context, sessionData []byte) (Conn, error)
}
