// Package idgen provides identifier and content-hash helpers.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// UUIDv7 creates time-ordered UUID strings.
type UUIDv7 struct{}

// New returns a UUIDv7 generator.
func New() UUIDv7 {
	return UUIDv7{}
}

// NewID returns a UUID7 string.
func (UUIDv7) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// MustNewID returns a UUID7 string and falls back to a random v4 if the clock source fails.
func MustNewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ContentHash returns the hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
