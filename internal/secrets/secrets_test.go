package secrets

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestNewCodec_BadKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"not hex", "zz"},
		{"too short", "deadbeef"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewCodec(tc.key); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	plain := []byte("mtproto session payload")

	sealed, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if parts := strings.Split(sealed, ":"); len(parts) != 3 {
		t.Fatalf("want iv:tag:data layout, got %q", sealed)
	}

	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("want %q, got %q", plain, got)
	}
}

func TestCodec_FreshIVPerEncrypt(t *testing.T) {
	c := newTestCodec(t)
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
}

func TestCodec_DecryptMalformed(t *testing.T) {
	c := newTestCodec(t)
	cases := []struct {
		name string
		in   string
	}{
		{"no separators", "deadbeef"},
		{"two parts", "dead:beef"},
		{"bad hex", "zz:zz:zz"},
		{"short iv", "dead:beef:cafe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Decrypt(tc.in); !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestCodec_DecryptTampered(t *testing.T) {
	c := newTestCodec(t)
	sealed, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	parts := strings.Split(sealed, ":")
	// Flip one data nibble.
	data := []byte(parts[2])
	if data[0] == 'a' {
		data[0] = 'b'
	} else {
		data[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(data)
	if _, err := c.Decrypt(tampered); err == nil {
		t.Fatal("expected auth failure on tampered ciphertext")
	}
}

func TestCodec_WrongKey(t *testing.T) {
	c := newTestCodec(t)
	sealed, _ := c.Encrypt([]byte("payload"))

	other, err := NewCodec(strings.Repeat("ff", 32))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if _, err := other.Decrypt(sealed); err == nil {
		t.Fatal("expected decrypt failure with the wrong key")
	}
}
