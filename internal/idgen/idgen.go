// Package idgen generates identifiers for escrows, disputes and ledger requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// namespace scopes deterministic ledger keys so they never collide with
// keys minted by other systems sharing the same ledger.
var namespace = uuid.MustParse("4f1c2a58-8b0e-4d6e-9a39-2f1f0c6b7e11")

// Deterministic derives a stable UUIDv5 from the given parts. The same parts
// always yield the same key, which is what lets a retried ledger call be
// recognised as the original one.
func Deterministic(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "|"))).String()
}
