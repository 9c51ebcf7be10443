// Package secrets protects the serialized MTProto session credential at rest.
// Ciphertext layout is iv:tag:data, all hex. A decrypt failure means the
// credential is unusable and the affected user has to re-authenticate.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const ivLength = 16

var ErrMalformed = errors.New("secrets: malformed ciphertext")

// Codec encrypts and decrypts opaque session credentials with AES-256-GCM.
type Codec struct {
	key []byte
}

// NewCodec builds a Codec from a hex-encoded 32-byte key.
func NewCodec(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	return &Codec{key: key}, nil
}

func (c *Codec) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLength)
}

// Encrypt seals plaintext and returns the iv:tag:data hex form.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	gcm, err := c.newGCM()
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag after the ciphertext; split for the stored layout.
	data, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(data), nil
}

// Decrypt opens an iv:tag:data hex ciphertext.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivLength {
		return nil, ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	data, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	gcm, err := c.newGCM()
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, append(data, tag...), nil)
}
