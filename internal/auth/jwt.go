// Package auth issues and checks the bearer tokens used by the Kittygram API.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. Client POSTs login + password to /api/auth/token/login
//  2. Server verifies the bcrypt hash and issues a signed JWT (24h by default)
//  3. Client sends it back as "Authorization: Token <jwt>" (or Bearer, or
//     the "token" cookie after GitHub sign-in)
//  4. Middleware validates the JWT, checks the revocation list, and puts
//     the caller's Identity in the request context
//  5. Logout adds the token's id (jti) to the revocation list
//
// WHY JWT PLUS A REVOCATION LIST?
// A pure JWT is stateless: nothing to look up, but also nothing to cancel.
// Logout needs "this token is dead now", so every token carries a unique id
// and logout records it. The list stays small because a revocation is only
// kept until the token would have expired anyway.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"<userID>","jti":"<tokenID>","iat":...,"exp":...,"iss":"kittygram"}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

const issuer = "kittygram"

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// ErrInvalidToken covers every reason a token is rejected: bad signature,
// wrong algorithm, wrong issuer, expired, missing claims. Callers get one
// error so they cannot tell a forged token from an expired one.
var ErrInvalidToken = errors.New("auth: invalid token")

// Token is an issued bearer token. Value is what the client sends back.
type Token struct {
	Value     string
	ID        string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims is what Validate extracts from a good token.
type Claims struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
}

// TokenService handles JWT creation and validation.
//
// It holds the HMAC secret used to sign and verify tokens. The same secret
// must be used for both operations, so every replica needs the same one.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a TokenService. A ttl of zero means DefaultTokenTTL.
// Example secret: KITTYGRAM_AUTH_JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl < 0 {
		return nil, errors.New("auth: token TTL must not be negative")
	}
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of the service that reads time from now.
// Tests use it to mint tokens that are already expired.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a new token for userID. Each call gets a fresh jti, so two
// tokens for the same user can be revoked independently.
func (s *TokenService) Issue(userID string) (Token, error) {
	if userID == "" {
		return Token{}, errors.New("auth: cannot issue a token without a user")
	}

	// JWT timestamps have one-second resolution.
	now := s.now().UTC().Truncate(time.Second)
	tok := Token{
		ID:        xid.New().String(),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	c := jwt.RegisteredClaims{
		ID:        tok.ID,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		Issuer:    issuer,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: signing token: %w", err)
	}
	tok.Value = signed
	return tok, nil
}

// Validate parses and verifies a JWT string.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid (wasn't tampered with)
//   - Algorithm is HS256 (prevents the "alg: none" confusion attack)
//   - Issuer is "kittygram"
//   - exp is present and in the future
//
// Revocation is NOT checked here; that needs the store and lives in
// service.AuthService.Authenticate.
func (s *TokenService) Validate(raw string) (Claims, error) {
	var c jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(
		raw,
		&c,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" || c.ID == "" || c.ExpiresAt == nil {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		TokenID:   c.ID,
		UserID:    c.Subject,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
