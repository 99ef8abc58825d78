package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/samber/oops"
)

// NewOpaqueSecret returns a random 32-byte secret as hex. Used for refresh
// session secrets and email verification tokens; only hashes of refresh
// secrets are ever stored.
func NewOpaqueSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("AUTH_SECRET_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// NewOtpCode draws a uniformly random zero-padded numeric code of the given
// digit length.
func NewOtpCode(length int) (string, error) {
	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", oops.Code("AUTH_OTP_CODE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// ComposeRefreshToken builds the client-facing composite refresh token.
func ComposeRefreshToken(sessionID, secret string) string {
	return sessionID + "." + secret
}

// SplitRefreshToken splits a composite refresh token into session id and
// secret. ok is false when the shape is wrong.
func SplitRefreshToken(token string) (sessionID, secret string, ok bool) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
