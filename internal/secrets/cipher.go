// Package secrets provides the string-encryption primitive used to protect
// registry credentials at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	encPrefix = "enc:v1:"

	keyFileName = "secret.key"
	keyBytes    = 32
)

// kdfSalt is a fixed context salt for deriving the AEAD key from the master
// key file. The master key itself is random per installation.
var kdfSalt = []byte("solstice-marketplace/secrets/v1")

// Cipher encrypts and decrypts short strings with AES-256-GCM. The wire
// format is "enc:v1:" + base64url(nonce || ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// Open loads the master key from {dataDir}/secret.key, generating a fresh
// one (0600) when the file does not exist yet.
func Open(dataDir string) (*Cipher, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, errors.New("missing data dir")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(dataDir, keyFileName)
	master, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		master = make([]byte, keyBytes)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		if err := os.WriteFile(keyPath, master, 0o600); err != nil {
			return nil, err
		}
	}
	if len(master) != keyBytes {
		return nil, fmt.Errorf("invalid master key length %d", len(master))
	}
	return NewFromKey(master)
}

// NewFromKey builds a Cipher from a 32-byte master key. The AEAD key is
// derived via Argon2id so a leaked key file alone does not equal the
// in-memory key schedule.
func NewFromKey(master []byte) (*Cipher, error) {
	if len(master) != keyBytes {
		return nil, fmt.Errorf("master key must be %d bytes", keyBytes)
	}
	key := argon2.IDKey(master, kdfSalt, 1, 64*1024, 4, keyBytes)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("cipher not initialized")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(value string) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("cipher not initialized")
	}
	if !c.IsEncrypted(value) {
		return "", errors.New("value is not encrypted")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), encPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid encrypted value: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) <= ns {
		return "", errors.New("invalid encrypted value: too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", errors.New("decryption failed")
	}
	return string(plain), nil
}

func (c *Cipher) IsEncrypted(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), encPrefix)
}
