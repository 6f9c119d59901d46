package handshake

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // frame tokens interoperate with the backend's SHA-1 construction
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenBytes is the entropy of a generated handshake token.
const TokenBytes = 32

// NewToken returns a random hex-encoded per-instance secret.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate handshake token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SaltedToken builds the per-frame token salt-base64url(sha1(salt-secret)),
// with base64 padding removed.
func SaltedToken(salt, secret string) string {
	return salt + "-" + digest(salt, secret)
}

func digest(salt, secret string) string {
	sum := sha1.Sum([]byte(salt + "-" + secret)) //nolint:gosec // see import
	return strings.TrimRight(base64.URLEncoding.EncodeToString(sum[:]), "=")
}

// VerifySalted checks a salted token against secret. The salt is everything
// before the first '-'.
func VerifySalted(token, secret string) bool {
	salt, got, ok := strings.Cut(token, "-")
	if !ok || salt == "" {
		return false
	}
	want := digest(salt, secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// FrameAuth signs and verifies frames with salted tokens derived from the
// handshake secret. It satisfies dispatch.Authenticator.
type FrameAuth struct {
	secret string
}

// NewFrameAuth returns a FrameAuth for secret.
func NewFrameAuth(secret string) FrameAuth {
	return FrameAuth{secret: secret}
}

// Sign returns a fresh salted token.
func (a FrameAuth) Sign() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("handshake: read salt: %v", err))
	}
	return SaltedToken(hex.EncodeToString(b), a.secret)
}

// Verify reports whether token was produced from the same secret.
func (a FrameAuth) Verify(token string) bool {
	return VerifySalted(token, a.secret)
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
