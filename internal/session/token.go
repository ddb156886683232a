// ABOUTME: Session token mint/verify for the restore flow.
// ABOUTME: HS256 JWTs; expiry is checked locally before any live validation.

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/courier-client/internal/clock"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenIssuer mints and verifies the signed session token handed out on
// auth success. Verification uses the issuer's clock so expiry decisions
// are deterministic under test.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewTokenIssuer creates an issuer. ttl bounds how long a stored session
// may be restored without re-authenticating.
func NewTokenIssuer(secret []byte, ttl time.Duration, clk clock.Clock) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, clock: clk}
}

// Issue mints a token for the session. The subject is the session ID and
// the auth method is carried as a claim.
func (t *TokenIssuer) Issue(sessionID, method string) (string, error) {
	now := t.clock.Now()
	claims := jwt.MapClaims{
		"sub":    sessionID,
		"method": method,
		"iat":    now.Unix(),
		"exp":    now.Add(t.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Verify validates signature and expiry and returns the session ID and
// auth method. Expired tokens return ErrExpiredToken so the restore flow
// can distinguish "re-authenticate" from "corrupt".
func (t *TokenIssuer) Verify(tokenString string) (sessionID, method string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	m, _ := claims["method"].(string)

	return sub, m, nil
}
