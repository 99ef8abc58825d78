package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/numio/server/internal/apperr"
	"github.com/numio/server/internal/model"
)

// Token failure codes. They exist for diagnostics only; the boundary layer
// collapses all of them to a single "invalid or expired token" answer so the
// codec never acts as an oracle.
const (
	CodeTokenMalformed = "TOKEN_MALFORMED"
	CodeTokenSignature = "TOKEN_INVALID_SIGNATURE"
	CodeTokenExpired   = "TOKEN_EXPIRED"
)

// Claims are the access-token claims: subject user id, role, and the id of
// the session the token was minted for.
type Claims struct {
	Role      model.Role `json:"role"`
	SessionID string     `json:"sid"`
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies HS256-signed, expiring access tokens.
// Verification is stateless: it never touches the store.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec creates a codec signing with the given secret. ttl is the
// absolute lifetime stamped into every issued token.
func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

// TTL returns the configured access-token lifetime.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

// Issue creates a signed access token bound to the user and session.
func (c *TokenCodec) Issue(userID string, role model.Role, sessionID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "TOKEN_SIGN_FAILED", "failed to sign token")
	}
	return signed, nil
}

// Verify parses and validates a token, rejecting wrong segment counts, bad
// signatures, and anything past its expiry.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, classifyTokenError(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.Unauthorized(CodeTokenMalformed, "invalid token")
	}
	return claims, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Unauthorized(CodeTokenExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Unauthorized(CodeTokenSignature, "invalid signature")
	default:
		return apperr.Unauthorized(CodeTokenMalformed, "invalid token")
	}
}
