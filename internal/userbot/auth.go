package userbot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
)

// State is the auth flow's position in the login conversation.
type State int

const (
	StateIdle State = iota
	StateCodeRequested
	StateAwaitingPassword
	StateAuthenticated
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCodeRequested:
		return "code_requested"
	case StateAwaitingPassword:
		return "awaiting_password"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "destroyed"
	}
}

// StateError is returned when a step-gated method is invoked outside its
// valid state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("userbot: %s not allowed in state %s", e.Op, e.State)
}

// ErrBadCode wraps code rejections (invalid or expired); the whole flow has
// to be restarted afterwards.
var ErrBadCode = errors.New("userbot: code rejected")

// AuthFlow is the per-user multi-step login state machine. It owns a live
// unauthenticated connection from StartAuth until either Destroy or a
// TakeConn handoff to the connection registry. Exactly one flow exists per
// user at a time; starting a new one must destroy the previous instance
// first.
type AuthFlow struct {
	dialer stream.Dialer

	mu       sync.Mutex
	state    State
	conn     stream.Conn
	codeHash string
}

func NewAuthFlow(dialer stream.Dialer) *AuthFlow {
	return &AuthFlow{dialer: dialer, state: StateIdle}
}

// State returns the current flow state.
func (f *AuthFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// StartAuth opens a fresh protocol connection and requests a one-time code.
// The phone number must already be validated by the caller (international
// format, leading "+").
func (f *AuthFlow) StartAuth(ctx context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateIdle {
		return &StateError{Op: "StartAuth", State: f.state}
	}

	conn, err := f.dialer.Dial(ctx, nil)
	if err != nil {
		f.state = StateDestroyed
		return fmt.Errorf("dial: %w", err)
	}

	hash, err := conn.SendCode(ctx, phone)
	if err != nil {
		_ = conn.Close()
		f.state = StateDestroyed
		return fmt.Errorf("send code: %w", err)
	}

	f.conn = conn
	f.codeHash = hash
	f.state = StateCodeRequested
	return nil
}

// SubmitCode completes login with the received code. needs2FA is true when
// the account requires a password check next; on any other failure the flow
// is dead and the user has to restart it.
func (f *AuthFlow) SubmitCode(ctx context.Context, phone, code string) (needs2FA bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateCodeRequested {
		return false, &StateError{Op: "SubmitCode", State: f.state}
	}

	err = f.conn.SignIn(ctx, phone, f.codeHash, code)
	switch {
	case err == nil:
		f.state = StateAuthenticated
		return false, nil
	case errors.Is(err, stream.ErrPasswordNeeded):
		f.state = StateAwaitingPassword
		return true, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrBadCode, err)
	}
}

// SubmitPassword verifies the account's 2FA password.
func (f *AuthFlow) SubmitPassword(ctx context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAwaitingPassword {
		return &StateError{Op: "SubmitPassword", State: f.state}
	}
	if err := f.conn.CheckPassword(ctx, password); err != nil {
		return fmt.Errorf("check password: %w", err)
	}
	f.state = StateAuthenticated
	return nil
}

// SessionData serializes the authenticated credential for encrypted storage.
func (f *AuthFlow) SessionData(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAuthenticated {
		return nil, &StateError{Op: "SessionData", State: f.state}
	}
	return f.conn.ExportSession(ctx)
}

// TakeConn hands the live authenticated connection over to the caller so the
// registry can reuse it without reconnecting. The flow no longer owns the
// connection afterwards: Destroy becomes a no-op for it.
func (f *AuthFlow) TakeConn() (stream.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateAuthenticated {
		return nil, &StateError{Op: "TakeConn", State: f.state}
	}
	conn := f.conn
	f.conn = nil
	f.state = StateDestroyed
	return conn, nil
}

// Destroy closes the underlying connection from any state. Idempotent. Must
// be called before discarding a flow so a live connection never leaks.
func (f *AuthFlow) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.state = StateDestroyed
}
