// ABOUTME: Unit tests for session token issuance and verification
// ABOUTME: Tests valid tokens, invalid tokens, and expired tokens

package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSessionTokens_RoundTrip(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	tokens := NewSessionTokens(secret, time.Hour)

	want := SessionClaims{SessionID: "sess-123", VisitorID: "vis-456"}
	token, err := tokens.Issue(want)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if got != want {
		t.Errorf("Verify() = %+v, want %+v", got, want)
	}
}

func TestSessionTokens_InvalidToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	tokens := NewSessionTokens(secret, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				other := NewSessionTokens([]byte("different-secret"), time.Hour)
				token, _ := other.Issue(SessionClaims{SessionID: "s", VisitorID: "v"})
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrExpiredToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken or ErrExpiredToken", err)
			}
		})
	}
}

func TestSessionTokens_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	issuer := NewSessionTokens(secret, -time.Minute)
	verifier := NewSessionTokens(secret, time.Hour)

	token, err := issuer.Issue(SessionClaims{SessionID: "s", VisitorID: "v"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}
