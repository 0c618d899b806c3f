// Package auth resolves the optional owner of a request. Accounts and token
// issuance live with an external provider; this package only verifies.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chitram/api/internal/config"
)

var ErrInvalidToken = errors.New("invalid token")

type Identity struct {
	OwnerID string
}

func (i Identity) Anonymous() bool {
	return i.OwnerID == ""
}

// Identifier resolves the caller of r. A request without credentials is
// anonymous, not an error.
type Identifier interface {
	Identify(r *http.Request) (Identity, error)
}

// New picks the JWT verifier when a secret is configured.
func New(cfg config.AuthConfig) Identifier {
	if cfg.JWTSecret == "" {
		return Anonymous{}
	}
	return NewJWTVerifier(cfg.JWTSecret)
}

// Anonymous treats every caller as anonymous.
type Anonymous struct{}

func (Anonymous) Identify(*http.Request) (Identity, error) {
	return Identity{}, nil
}

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Identify(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, ErrInvalidToken
	}

	claims, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return Identity{}, err
	}
	return Identity{OwnerID: claims.UserID}, nil
}

func (v *JWTVerifier) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for userID. The service never hands these out itself;
// it exists for the dev CLI and tests.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   userID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}
