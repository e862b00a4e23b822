package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when the provided admin token does not match.
var ErrInvalidToken = errors.New("invalid admin token")

// tokenPrefix marks generated admin tokens.
const tokenPrefix = "tdb_"

// Service checks the administrative token.
type Service struct {
	hash []byte
}

// NewService creates a Service that accepts the token whose bcrypt hash is hash.
func NewService(hash string) *Service {
	return &Service{hash: []byte(hash)}
}

// GenerateToken creates a new admin token. Returns the raw token and its
// bcrypt hash. The raw token is: 32 random bytes -> base64url -> prepend "tdb_".
func GenerateToken(cost int) (rawToken, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	rawToken = tokenPrefix + base64.RawURLEncoding.EncodeToString(b)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(rawToken), cost)
	if err != nil {
		return "", "", fmt.Errorf("hashing token: %w", err)
	}
	return rawToken, string(hashBytes), nil
}

// Bootstrap returns a Service for hash. When hash is empty it generates a
// token, logs it once and returns a Service for the generated hash.
func Bootstrap(hash string, cost int) (*Service, error) {
	if hash != "" {
		return NewService(hash), nil
	}

	rawToken, generated, err := GenerateToken(cost)
	if err != nil {
		return nil, fmt.Errorf("generating admin token: %w", err)
	}
	slog.Warn("ADMIN_TOKEN_HASH not set; generated a one-time admin token", "token", rawToken)
	return NewService(generated), nil
}

// Authenticate bcrypt-compares rawToken with the configured hash.
func (s *Service) Authenticate(rawToken string) error {
	if len(s.hash) == 0 || rawToken == "" {
		return ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword(s.hash, []byte(rawToken)) != nil {
		return ErrInvalidToken
	}
	return nil
}
