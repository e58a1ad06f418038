// ABOUTME: Short-lived session token issuance and verification for resumed chat sessions
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultSessionTTL bounds how long a resumed visitor can reattach to their
// session without resolving a fresh return link.
const DefaultSessionTTL = 30 * time.Minute

// SessionClaims identify the chat session and visitor a token grants.
type SessionClaims struct {
	SessionID string
	VisitorID string
}

// SessionTokens issues and verifies the tokens handed out when a return link
// resolves, letting the browser attach a websocket to the resumed session.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionTokens creates a token issuer with the given secret.
func NewSessionTokens(secret []byte, ttl time.Duration) *SessionTokens {
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionTokens{secret: secret, ttl: ttl}
}

// Issue creates a signed token for the session.
func (s *SessionTokens) Issue(claims SessionClaims) (string, error) {
	now := time.Now()
	tokenClaims := jwt.MapClaims{
		"sub": claims.SessionID,
		"vid": claims.VisitorID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims)
	return token.SignedString(s.secret)
}

// Verify validates the token and extracts its session claims.
func (s *SessionTokens) Verify(tokenString string) (SessionClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return SessionClaims{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return SessionClaims{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return SessionClaims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	vid, ok := claims["vid"].(string)
	if !ok || vid == "" {
		return SessionClaims{}, fmt.Errorf("%w: vid", ErrMissingClaim)
	}

	return SessionClaims{SessionID: sub, VisitorID: vid}, nil
}
