// Package identity verifies bearer tokens issued by the identity provider.
// The core only needs the authenticated actor id and role.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleSystem    Role = "system"
)

var ErrInvalidToken = errors.New("identity: invalid token")

// Principal is the result of verifying a token.
type Principal struct {
	ActorID string
	Role    Role
	Valid   bool
}

// CanModerate reports whether the principal may issue system events.
func (p Principal) CanModerate() bool {
	return p.Valid && (p.Role == RoleModerator || p.Role == RoleSystem)
}

type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify validates an HS256 token carrying user_id and role claims.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Principal{}, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Principal{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	role := RoleUser
	if raw, ok := claims["role"].(string); ok && raw != "" {
		role = Role(raw)
	}
	if !validRole(role) {
		return Principal{}, fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}
	return Principal{ActorID: userID, Role: role, Valid: true}, nil
}

// Issue signs a token for local development and tests.
func (v *Verifier) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

func validRole(r Role) bool {
	switch r {
	case RoleUser, RoleModerator, RoleSystem:
		return true
	default:
		return false
	}
}
