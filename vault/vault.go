// Package vault encrypts Instagram access tokens at rest with AES-256-GCM.
// The key is held only by the owning process; plaintext tokens leave this
// package only as the return value of Decrypt and are never logged here.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/forumkit/igpipeline/pipelineerr"
)

// Vault encrypts and decrypts opaque token strings with a single
// process-wide AES-256 key, injected at construction rather than read
// from a global.
type Vault struct {
	key []byte
}

// New builds a Vault from a 32-byte key. A wrong-length key is a
// ConfigError: this is a boot-time failure, not a per-call one.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, &pipelineerr.ConfigError{Msg: fmt.Sprintf("token encryption key must be exactly 32 bytes for AES-256, got %d", len(key))}
	}
	return &Vault{key: key}, nil
}

// Encrypt authenticates and encrypts plaintext, returning base64-encoded
// ciphertext with the nonce prepended. Empty input is rejected.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", &pipelineerr.ConfigError{Msg: "cannot encrypt empty token"}
	}

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &pipelineerr.ConfigError{Msg: "failed to generate nonce: " + err.Error()}
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Tamper or wrong-key failures surface as
// DecryptError; empty input is rejected up front.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", &pipelineerr.DecryptError{Msg: "cannot decrypt empty ciphertext"}
	}

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &pipelineerr.DecryptError{Msg: "malformed base64: " + err.Error()}
	}

	nonceSize := gcm.NonceSize()
	minSize := nonceSize + gcm.Overhead()
	if len(data) < minSize {
		return "", &pipelineerr.DecryptError{Msg: "ciphertext too short"}
	}

	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", &pipelineerr.DecryptError{Msg: "authentication failed (tampered or wrong key)"}
	}

	return string(plaintext), nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, &pipelineerr.ConfigError{Msg: err.Error()}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &pipelineerr.ConfigError{Msg: err.Error()}
	}
	return gcm, nil
}
