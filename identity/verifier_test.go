package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("buyer-1", RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	p, err := v.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !p.Valid || p.ActorID != "buyer-1" || p.Role != RoleUser {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.CanModerate() {
		t.Fatalf("user must not moderate")
	}
}

func TestVerifier_Moderator(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("mod-1", RoleModerator, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !p.CanModerate() {
		t.Fatalf("moderator should moderate")
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("test-secret")
	other := NewVerifier("other-secret")
	foreign, _ := other.Issue("buyer-1", RoleUser, time.Hour)
	expired, _ := v.Issue("buyer-1", RoleUser, -time.Minute)
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "buyer-1",
		"role":    "admin",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "user",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": foreign,
		"expired":      expired,
		"bad role":     badRole,
		"no user":      noUser,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := v.Verify(token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
			if p.Valid {
				t.Fatalf("principal must be invalid")
			}
		})
	}
}
