package marketplace

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces every present secret in externally visible
// registry records. Clients echoing it back on update signal "keep the
// stored value".
const RedactedPlaceholder = "***REDACTED***"

// StringCipher is the injected string-encryption primitive. This package
// never implements cryptography itself.
type StringCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
	IsEncrypted(value string) bool
}

// Environment placeholders like {{GITHUB_TOKEN}} are stored verbatim and
// resolved from the process environment only when headers are built.
var envPlaceholderRE = regexp.MustCompile(`^\{\{[A-Z_][A-Z0-9_]*\}\}$`)

func isEnvPlaceholder(v string) bool {
	return envPlaceholderRE.MatchString(strings.TrimSpace(v))
}

// AuthCodec applies the string cipher to the secret fields of an AuthSpec.
type AuthCodec struct {
	cipher StringCipher
	log    *slog.Logger
}

func NewAuthCodec(cipher StringCipher, log *slog.Logger) *AuthCodec {
	if log == nil {
		log = slog.Default()
	}
	return &AuthCodec{cipher: cipher, log: log}
}

// Encrypt returns a copy of auth with every populated secret field
// encrypted. It is idempotent: already-encrypted values and environment
// placeholders pass through untouched.
func (c *AuthCodec) Encrypt(auth AuthSpec) (AuthSpec, error) {
	if auth.Type == AuthTypeNone || auth.Type == "" {
		return auth, nil
	}
	var encErr error
	out := c.mapSecrets(auth, func(v string) string {
		if c.cipher.IsEncrypted(v) || isEnvPlaceholder(v) {
			return v
		}
		enc, err := c.cipher.Encrypt(v)
		if err != nil {
			encErr = err
			return v
		}
		return enc
	})
	if encErr != nil {
		return AuthSpec{}, newMarketplaceError(ErrCodeDecryption, http.StatusInternalServerError, "failed to protect registry credentials", encErr)
	}
	return out, nil
}

// Decrypt returns a copy of auth with encrypted secret fields decrypted.
// A value that fails to decrypt is passed through unchanged so a stale key
// cannot break listing; callers seeing a still-encrypted value should
// prompt for re-authentication.
func (c *AuthCodec) Decrypt(auth AuthSpec) AuthSpec {
	if auth.Type == AuthTypeNone || auth.Type == "" {
		return auth
	}
	return c.mapSecrets(auth, func(v string) string {
		if !c.cipher.IsEncrypted(v) {
			return v
		}
		plain, err := c.cipher.Decrypt(v)
		if err != nil {
			c.log.Warn("marketplace: credential decryption failed", "error", err)
			return v
		}
		return plain
	})
}

// Redact replaces every present secret with the placeholder regardless of
// encryption state.
func (c *AuthCodec) Redact(auth AuthSpec) AuthSpec {
	if auth.Type == AuthTypeNone || auth.Type == "" {
		return auth
	}
	return c.mapSecrets(auth, func(string) string {
		return RedactedPlaceholder
	})
}

func (c *AuthCodec) mapSecrets(auth AuthSpec, fn func(string) string) AuthSpec {
	out := auth
	if strings.TrimSpace(out.Token) != "" {
		out.Token = fn(out.Token)
	}
	if strings.TrimSpace(out.Password) != "" {
		out.Password = fn(out.Password)
	}
	if strings.TrimSpace(out.HeaderValue) != "" {
		out.HeaderValue = fn(out.HeaderValue)
	}
	return out
}
