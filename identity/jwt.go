package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims carried in a bearer token.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`

	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// JWTResolver verifies HS256 bearer tokens and turns them into callers.
type JWTResolver struct {
	Secret []byte
	Issuer string
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{Secret: []byte(secret), Issuer: "lesson-engine"}
}

// Resolve parses a token (with or without the "Bearer " prefix).
func (r *JWTResolver) Resolve(token string) (Caller, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Caller{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.Secret, nil
	})
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Caller{}, ErrInvalidToken
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if role == RoleSystem {
		return Caller{}, fmt.Errorf("%w: role %s cannot be issued externally", ErrInvalidToken, role)
	}
	if claims.UserID == "" {
		return Caller{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return Caller{UserID: claims.UserID, Role: role}, nil
}

// Issue signs a token for the caller, valid for ttl.
func (r *JWTResolver) Issue(c Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: c.UserID,
		Role:   string(c.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.Issuer,
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.Secret)
}
