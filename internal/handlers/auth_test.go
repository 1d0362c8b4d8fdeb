package handlers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kincall/signal/internal/config"
	"github.com/kincall/signal/internal/session"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyToken(t *testing.T) {
	h := &Handlers{config: &config.Config{JWTSecret: "test-secret"}}

	valid := signToken(t, "test-secret", jwt.MapClaims{
		"user_id": "u-1",
		"iat":     time.Now().Unix(),
	})
	userID, err := h.verifyToken(valid)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if userID != "u-1" {
		t.Fatalf("userID = %s, want u-1", userID)
	}

	if _, err := h.verifyToken(""); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := h.verifyToken("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}

	wrongKey := signToken(t, "other-secret", jwt.MapClaims{"user_id": "u-1"})
	if _, err := h.verifyToken(wrongKey); err == nil {
		t.Fatal("token signed with wrong secret accepted")
	}

	noUser := signToken(t, "test-secret", jwt.MapClaims{"iat": time.Now().Unix()})
	if _, err := h.verifyToken(noUser); err == nil {
		t.Fatal("token without user_id accepted")
	}
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{session.ErrNotFound, "not_found"},
		{session.ErrUnauthorized, "unauthorized"},
		{session.ErrUnreachable, "unreachable"},
		{session.ErrAlreadyInCall, "already_in_call"},
		{session.ErrInvalidTransition, "invalid_transition"},
		{session.ErrSelfCall, "self_call"},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Fatalf("errorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
