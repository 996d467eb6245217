package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey returns a fixed-length hex digest of key, safe for file names and
// other stores with a restricted key alphabet.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex chars of HashKey. Used for log redaction.
func ShortHash(key string) string {
	return HashKey(key)[:16]
}
