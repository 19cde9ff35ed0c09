// Package uploadtoken issues and verifies short-lived capabilities that let a
// holder PUT exactly one object key through the tile worker.
package uploadtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid covers malformed, expired, forged and mismatched tokens alike.
var ErrInvalid = errors.New("invalid upload token")

const audience = "tile-upload"

type claims struct {
	Key         string `json:"key"`
	ContentType string `json:"ct,omitempty"`
	jwt.RegisteredClaims
}

// Grant is what a verified token allows.
type Grant struct {
	Key         string
	ContentType string
	Subject     string
	ExpiresAt   time.Time
}

// Issuer signs and verifies upload tokens with a shared HS256 secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer; ttl is the lifetime of every token.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL returns the token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a token for key, issued on behalf of subject.
func (i *Issuer) Issue(key, contentType, subject string) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty key", ErrInvalid)
	}
	now := i.now()
	exp := now.Add(i.ttl)
	c := claims{
		Key:         key,
		ContentType: contentType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign upload token: %w", err)
	}
	return tok, exp, nil
}

// Verify checks token and that it was issued for key.
func (i *Issuer) Verify(token, key string) (*Grant, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Key != key {
		return nil, fmt.Errorf("%w: token not issued for this key", ErrInvalid)
	}
	return &Grant{
		Key:         c.Key,
		ContentType: c.ContentType,
		Subject:     c.Subject,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}
