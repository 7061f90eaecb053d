// ABOUTME: JWT bearer token verification for handshake auth blocks
// ABOUTME: HS256 only; the sub claim becomes the connection principal

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is what a verified token asserts.
type Claims struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// JWTOption customizes a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithTokenClock replaces time.Now for expiry checks and issuing.
func WithTokenClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) { v.now = now }
}

// JWTVerifier verifies and issues HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates tokenString and returns its claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &tc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{Subject: tc.Subject}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	if tc.Scope != "" {
		claims.Scopes = strings.Fields(tc.Scope)
	}
	return claims, nil
}

// Issue signs a token for subject valid for ttl.
func (v *JWTVerifier) Issue(subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := v.now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: strings.Join(scopes, " "),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	return token.SignedString(v.secret)
}
