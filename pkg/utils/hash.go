package utils

import (
	"crypto/sha256"
	"fmt"
)

// HashString returns the hex SHA-256 of input, used for chunk text
// hashes and upload content hashes.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(input []byte) string {
	hash := sha256.Sum256(input)
	return fmt.Sprintf("%x", hash)
}
