// Package auth issues and verifies the bearer tokens that carry a caller's
// identity into every request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/kgl/produce-engine/core"
)

const issuer = "produce-engine"

type JwtCustomClaim struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Branch string `json:"branch,omitempty"`
	jwt.StandardClaims
}

// Issuer signs HS256 tokens with Secret that expire after TTL.
type Issuer struct {
	Secret []byte
	TTL    time.Duration
	Clock  core.Clock
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{Secret: []byte(secret), TTL: ttl}
}

func (i *Issuer) Issue(id core.Identity) (string, error) {
	if id.IsZero() {
		return "", errors.New("cannot issue a token without an identity")
	}
	now := i.Clock.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		ID:     id.UserID,
		Name:   id.Name,
		Role:   string(id.Role),
		Branch: string(id.Branch),
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(i.TTL).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
			Subject:   id.UserID,
		},
	})
	return t.SignedString(i.Secret)
}

// Verify returns the identity carried by token. Every failure unwraps to
// core.ErrUnauthenticated.
func (i *Issuer) Verify(token string) (core.Identity, error) {
	claims := &JwtCustomClaim{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.Secret, nil
	})
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return core.Identity{}, core.ErrUnauthenticated
	}

	role, err := core.ParseRole(claims.Role)
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
	}
	id := core.Identity{
		UserID: claims.ID,
		Name:   claims.Name,
		Role:   role,
		Branch: core.Branch(claims.Branch),
	}
	if id.IsZero() {
		return core.Identity{}, core.ErrUnauthenticated
	}
	return id, nil
}
