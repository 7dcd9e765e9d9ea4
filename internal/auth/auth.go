// Package auth checks the opaque token relays pass when they connect.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator validates a connect token.
type Authenticator interface {
	Authenticate(token string) error
}

// StaticTokens accepts a fixed set of tokens. An empty set accepts any
// token, including none.
type StaticTokens struct {
	tokens []string
}

// NewStaticTokens creates an allow list; blank entries are ignored.
func NewStaticTokens(tokens ...string) *StaticTokens {
	return &StaticTokens{tokens: lo.Compact(tokens)}
}

// Authenticate implements Authenticator.
func (s *StaticTokens) Authenticate(token string) error {
	if len(s.tokens) == 0 {
		return nil
	}
	if token == "" {
		return ErrMissingToken
	}
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

// Claims is the payload of a relay token.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWT validates HS256 tokens signed with a shared secret.
type JWT struct {
	secret []byte
	issuer string
}

// NewJWT creates a validator for tokens issued by issuer.
func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for name valid for ttl.
func (j *JWT) Issue(name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Parse validates token and returns its claims.
func (j *JWT) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate implements Authenticator.
func (j *JWT) Authenticate(token string) error {
	_, err := j.Parse(token)
	return err
}
