package userbot

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
)

type fakeConn struct {
	codeHash    string
	signInErr   error
	passwordErr error
	session     []byte

	signInCode string
	closed     int
	onMessage  func(stream.Message)
}

func (c *fakeConn) SendCode(_ context.Context, _ string) (string, error) {
	return c.codeHash, nil
}

func (c *fakeConn) SignIn(_ context.Context, _, _, code string) error {
	c.signInCode = code
	return c.signInErr
}

func (c *fakeConn) CheckPassword(_ context.Context, _ string) error {
	return c.passwordErr
}

func (c *fakeConn) ExportSession(_ context.Context) ([]byte, error) {
	return c.session, nil
}

func (c *fakeConn) OnSourceMessage(fn func(stream.Message)) { c.onMessage = fn }

func (c *fakeConn) History(_ context.Context, _ int64, _ func(stream.Message) error) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

type fakeDialer struct {
	conn    *fakeConn
	dialErr error
	dials   int
}

func (d *fakeDialer) Dial(_ context.Context, _ []byte) (stream.Conn, error) {
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.conn, nil
}

func TestAuthFlow_HappyPathNoPassword(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{codeHash: "h1", session: []byte("cred")}
	f := NewAuthFlow(&fakeDialer{conn: conn})

	if err := f.StartAuth(ctx, "+79991234567"); err != nil {
		t.Fatalf("startAuth: %v", err)
	}
	if f.State() != StateCodeRequested {
		t.Fatalf("state: %s", f.State())
	}

	needs2FA, err := f.SubmitCode(ctx, "+79991234567", "12345")
	if err != nil {
		t.Fatalf("submitCode: %v", err)
	}
	if needs2FA {
		t.Fatal("no 2FA expected")
	}
	if f.State() != StateAuthenticated {
		t.Fatalf("state: %s", f.State())
	}

	data, err := f.SessionData(ctx)
	if err != nil || string(data) != "cred" {
		t.Fatalf("sessionData: %q, %v", data, err)
	}
}

func TestAuthFlow_PasswordPath(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{codeHash: "h1", signInErr: stream.ErrPasswordNeeded}
	f := NewAuthFlow(&fakeDialer{conn: conn})

	if err := f.StartAuth(ctx, "+79991234567"); err != nil {
		t.Fatalf("startAuth: %v", err)
	}
	needs2FA, err := f.SubmitCode(ctx, "+79991234567", "12345")
	if err != nil {
		t.Fatalf("submitCode: %v", err)
	}
	if !needs2FA || f.State() != StateAwaitingPassword {
		t.Fatalf("want awaiting_password, got %s", f.State())
	}

	if err := f.SubmitPassword(ctx, "hunter2"); err != nil {
		t.Fatalf("submitPassword: %v", err)
	}
	if f.State() != StateAuthenticated {
		t.Fatalf("state: %s", f.State())
	}
}

func TestAuthFlow_BadCode(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{codeHash: "h1", signInErr: errors.New("PHONE_CODE_INVALID")}
	f := NewAuthFlow(&fakeDialer{conn: conn})

	if err := f.StartAuth(ctx, "+79991234567"); err != nil {
		t.Fatalf("startAuth: %v", err)
	}
	if _, err := f.SubmitCode(ctx, "+79991234567", "00000"); !errors.Is(err, ErrBadCode) {
		t.Fatalf("want ErrBadCode, got %v", err)
	}
}

func TestAuthFlow_StateGating(t *testing.T) {
	ctx := context.Background()
	f := NewAuthFlow(&fakeDialer{conn: &fakeConn{}})

	var stateErr *StateError
	if _, err := f.SubmitCode(ctx, "+7", "1"); !errors.As(err, &stateErr) {
		t.Fatalf("submitCode before start: want StateError, got %v", err)
	}
	if err := f.SubmitPassword(ctx, "p"); !errors.As(err, &stateErr) {
		t.Fatalf("submitPassword before start: want StateError, got %v", err)
	}
	if _, err := f.SessionData(ctx); !errors.As(err, &stateErr) {
		t.Fatalf("sessionData before auth: want StateError, got %v", err)
	}
	if _, err := f.TakeConn(); !errors.As(err, &stateErr) {
		t.Fatalf("takeConn before auth: want StateError, got %v", err)
	}

	if err := f.StartAuth(ctx, "+79991234567"); err != nil {
		t.Fatalf("startAuth: %v", err)
	}
	if err := f.StartAuth(ctx, "+79991234567"); !errors.As(err, &stateErr) {
		t.Fatalf("second startAuth: want StateError, got %v", err)
	}
}

func TestAuthFlow_DialFailureKillsFlow(t *testing.T) {
	ctx := context.Background()
	f := NewAuthFlow(&fakeDialer{dialErr: errors.New("network down")})

	if err := f.StartAuth(ctx, "+79991234567"); err == nil {
		t.Fatal("expected dial error")
	}
	if f.State() != StateDestroyed {
		t.Fatalf("state after dial failure: %s", f.State())
	}
	// A dead flow rejects a restart; the caller builds a new one.
	if err := f.StartAuth(ctx, "+79991234567"); err == nil {
		t.Fatal("destroyed flow must not restart")
	}
}

func TestAuthFlow_TakeConnTransfersOwnership(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{codeHash: "h1"}
	f := NewAuthFlow(&fakeDialer{conn: conn})

	if err := f.StartAuth(ctx, "+79991234567"); err != nil {
		t.Fatalf("startAuth: %v", err)
	}
	if _, err := f.SubmitCode(ctx, "+79991234567", "12345"); err != nil {
		t.Fatalf("submitCode: %v", err)
	}

	got, err := f.TakeConn()
	if err != nil {
		t.Fatalf("takeConn: %v", err)
	}
	if got != stream.Conn(conn) {
		t.Fatal("takeConn must return the live connection")
	}
	if f.State() != StateDestroyed {
		t.Fatalf("state after handoff: %s", f.State())
	}

	// Destroy after handoff must not close the transferred connection.
	f.Destroy()
	if conn.closed != 0 {
		t.Fatalf("transferred connection was closed %d times", conn.closed)
	}
}

func TestAuthFlow_DestroyClosesConn(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{codeHash: "h1"}
	f := NewAuthFlow(&fakeDialer{conn: conn})

	if err := f.StartAuth(ctx, "+79991234567"); err != nil {
		t.Fatalf("startAuth: %v", err)
	}
	f.Destroy()
	f.Destroy()
	if conn.closed != 1 {
		t.Fatalf("want exactly one close, got %d", conn.closed)
	}
	if f.State() != StateDestroyed {
		t.Fatalf("state: %s", f.State())
	}
}
