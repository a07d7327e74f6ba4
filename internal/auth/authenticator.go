package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator checks OIDC tokens first and falls back to HMAC tokens
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator accepts a nil verifier (HMAC only) or an empty secret (OIDC only)
func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{verifier: verifier, jwtSecret: jwtSecret}
}

// Authenticate validates a raw token
func (a *Authenticator) Authenticate(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(tokenString)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		if a.jwtSecret == "" {
			return nil, ErrInvalidToken
		}
	}

	if a.jwtSecret != "" {
		claims, err := ValidateLegacyToken(tokenString, a.jwtSecret)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
	}

	return nil, ErrNotConfigured
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
