package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns the hex SHA-256 of input.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CacheKey joins a namespace and parts into a redis key, hashing the last
// part so arbitrary text stays bounded in size.
func CacheKey(namespace string, parts ...string) string {
	if len(parts) == 0 {
		return namespace
	}
	head := parts[:len(parts)-1]
	last := HashString(parts[len(parts)-1])
	return strings.Join(append(append([]string{namespace}, head...), last), ":")
}
