// Package auth provides node token generation, hashing, and comparison
// utilities used by the relay server, control API, and CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// GenerateToken returns a cryptographically random, URL-safe bearer token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns a deterministic SHA-256 hex digest of the token. The
// exit node stores and compares only this digest, never the plaintext.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashSecret bcrypt-hashes a VPN user secret for at-rest storage in the
// exit node's mirror store.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifySecretHash reports whether secret matches a stored bcrypt hash.
func VerifySecretHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// LoadTokenHash resolves the node token digest from configuration. An
// explicit hex hash wins; otherwise the plaintext token file is read and
// hashed so the plaintext never persists in process configuration.
func LoadTokenHash(hash, file string) (string, error) {
	if hash = strings.ToLower(strings.TrimSpace(hash)); hash != "" {
		return hash, nil
	}
	if file = strings.TrimSpace(file); file == "" {
		return "", errors.New("no token hash or token file configured")
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("token file is empty")
	}
	return HashToken(token), nil
}
