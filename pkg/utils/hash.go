// Package utils holds the small helpers shared across packages.
package utils

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
)

// HashString returns the hex md5 digest of input. Used for change-detection
// fingerprints and cache keys, not for anything security-sensitive.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashJSON hashes the canonical JSON encoding of v. Struct fields encode in
// declaration order, so the digest is stable for equal values.
func HashJSON(v interface{}) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal for hashing: %w", err)
	}
	return HashString(string(payload)), nil
}
