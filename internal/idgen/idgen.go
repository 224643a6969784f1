// Package idgen generates identifiers for escrows, ledger entries and side effects.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// correlationNamespace scopes deterministic correlation ids to this service.
var correlationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://taskmarket.dev/escrow/correlation"))

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "eff_", "le_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// Correlation returns a deterministic UUIDv5 for the given parts.
// The same parts always produce the same id, which is what makes a
// retried ledger credit idempotent downstream.
func Correlation(parts ...string) string {
	return uuid.NewSHA1(correlationNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
