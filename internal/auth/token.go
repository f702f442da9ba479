package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSecret is returned when no signing key is configured.
	ErrMissingSecret = errors.New("token secret key is not configured")
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Token types.
const (
	TokenTypeAccess = "access"
)

// Claims are the claims carried by issued tokens.
type Claims struct {
	Version string `json:"ver"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HMAC JWTs.
type TokenIssuer struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer for an HMAC algorithm (HS256, HS384, HS512).
func NewTokenIssuer(secret, algorithm string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	method, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported token algorithm %q", algorithm)
	}
	return &TokenIssuer{
		secret: []byte(secret),
		method: method,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns how long issued tokens are valid.
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue returns a signed token for subject.
func (i *TokenIssuer) Issue(subject, version, tokenType string) (string, error) {
	now := i.now()
	claims := Claims{
		Version: version,
		Type:    tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns its claims.
func (i *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
