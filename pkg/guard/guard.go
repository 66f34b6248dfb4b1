// Package guard implements redaction-at-rest for credential-looking paste
// content: a keyword scan decides whether the payload is wrapped in an
// encryption envelope before it reaches the store. This is opportunistic
// protection against casual database browsing, not secret management; the
// key is shared by the whole deployment and encryption is never allowed to
// fail a write.
package guard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"aurapaste/metrics"
	"aurapaste/svc/util"
)

const (
	// DefaultPassphrase is the embedded application-wide key. Deployments
	// can override it through the secrets adapter, but content written
	// under the default must stay readable, so it never goes away.
	DefaultPassphrase = "aura-paste-secure-key-2024"

	markerOpen  = "[ENCRYPTED]"
	markerClose = "[/ENCRYPTED]"

	keySalt = "aurapaste-guard-v1"
	keyIter = 4096
)

var sensitiveKeywords = []string{
	"api_key", "apikey", "secret", "password", "token", "private_key",
	"secret_key", "access_key", "auth_token", "bearer", "jwt",
	"database_url", "db_password", "mongodb", "postgres", "mysql",
	"aws_access", "aws_secret", "stripe_secret", "paypal_secret",
	"google_api", "facebook_app", "twitter_api", "github_token",
	"oauth_secret", "client_secret", "app_secret", "webhook_secret",
}

type Guard struct {
	aead cipher.AEAD
}

func New(passphrase string) (*Guard, error) {
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(keySalt), keyIter, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "guard cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "guard gcm")
	}
	return &Guard{aead: aead}, nil
}

// Detect reports whether content looks like it carries credentials. The
// scan is case-insensitive and also matches each keyword with its
// underscores removed or swapped for hyphens.
func Detect(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) ||
			strings.Contains(lower, strings.ReplaceAll(kw, "_", "")) ||
			strings.Contains(lower, strings.ReplaceAll(kw, "_", "-")) {
			return true
		}
	}
	return false
}

// IsEnveloped reports whether content is wrapped in the encryption markers.
func IsEnveloped(content string) bool {
	return strings.HasPrefix(content, markerOpen) && strings.HasSuffix(content, markerClose)
}

// EncryptIfSensitive returns content unchanged unless Detect fires, in
// which case the full payload is sealed under the guard key and wrapped in
// envelope markers. Any failure falls back to the plaintext: callers
// depend on this never failing the write path.
func (g *Guard) EncryptIfSensitive(content string) string {
	if !Detect(content) {
		return content
	}
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		util.Warn().Err(err).Msg("guard encryption failed, storing plaintext")
		return content
	}
	sealed := g.aead.Seal(nonce, nonce, []byte(content), nil)
	metrics.GuardOps.WithLabelValues("encrypt").Inc()
	return markerOpen + base64.StdEncoding.EncodeToString(sealed) + markerClose
}

// Decrypt strips the envelope and recovers the plaintext. Content without
// markers passes through untouched, so calling it on plain pastes is a
// no-op; on failure the still-wrapped input is returned rather than an
// error.
func (g *Guard) Decrypt(content string) string {
	if !IsEnveloped(content) {
		return content
	}
	payload := content[len(markerOpen) : len(content)-len(markerClose)]
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		util.Warn().Err(err).Msg("guard decryption failed")
		return content
	}
	if len(sealed) < g.aead.NonceSize() {
		util.Warn().Msg("guard envelope too short")
		return content
	}
	nonce, ciphertext := sealed[:g.aead.NonceSize()], sealed[g.aead.NonceSize():]
	plaintext, err := g.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		util.Warn().Err(err).Msg("guard decryption failed")
		return content
	}
	metrics.GuardOps.WithLabelValues("decrypt").Inc()
	return string(plaintext)
}
