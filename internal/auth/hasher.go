// Package auth implements the authentication core: credential hashing, the
// access-token codec, the OTP challenge engine, and the gateway service that
// orchestrates them over the repositories.
package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 work factor. The same primitive covers passwords, refresh-token
// secrets and OTP codes, so a leaked stored form of one kind never reveals
// another's plaintext.
const (
	hashIterations = 100_000
	hashKeyLen     = 64
	hashSaltLen    = 16
)

// Hasher provides one-way salted hashing and constant-time verification.
type Hasher interface {
	// Hash produces the stored form "hex(salt):hex(key)".
	Hash(secret string) (string, error)

	// Verify recomputes the derivation with the stored salt and compares in
	// constant time. Any malformed stored form verifies as false.
	Verify(secret, stored string) bool
}

// PBKDF2Hasher implements Hasher using PBKDF2-SHA512.
type PBKDF2Hasher struct{}

// NewPBKDF2Hasher creates a new PBKDF2Hasher.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{}
}

// Hash produces a salted PBKDF2 derivation of the secret.
func (h *PBKDF2Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}
	key := pbkdf2.Key([]byte(secret), salt, hashIterations, hashKeyLen, sha512.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// Verify checks the secret against a stored form.
func (h *PBKDF2Hasher) Verify(secret, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(secret), salt, hashIterations, len(want), sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
