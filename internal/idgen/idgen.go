// Package idgen generates random identifiers.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "pi_3f2a...".
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// HasPrefix reports whether id looks like one produced by WithPrefix.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
