package canonical

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashAlgorithm is recorded on every snapshot next to its hash
const HashAlgorithm = "sha256"

// Hash returns the lowercase hex SHA-256 of data (64 characters)
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue hashes the canonical encoding of v
func HashValue(v Value) string {
	return Hash(Canonicalize(v))
}

// Verify recomputes the hash of v and compares it with expected.
// A malformed expected hash never verifies.
func Verify(v Value, expected string) bool {
	if !IsHash(expected) {
		return false
	}
	actual := HashValue(v)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1
}

// IsHash reports whether s looks like a hex SHA-256 digest
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
