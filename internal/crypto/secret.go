// Package crypto hashes and verifies account secrets on the server.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // KiB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	// SaltLen is the per-account salt size.
	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewSecret salts and hashes secret, returning (hash, salt).
func NewSecret(secret string) ([]byte, []byte, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return nil, nil, err
	}
	return HashSecret([]byte(secret), salt), salt, nil
}

// HashSecret returns the Argon2id hash of secret under salt.
func HashSecret(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifySecret compares in constant time. An empty stored hash never matches.
func VerifySecret(secret, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(secret, salt), expected) == 1
}
