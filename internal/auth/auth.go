// Package auth authenticates API callers by wallet signature.
//
// Authentication model:
//   - Every mutating request carries X-Escrowd-Address, X-Escrowd-Timestamp
//     and X-Escrowd-Signature headers.
//   - The signature is an EIP-191 personal_sign over CanonicalMessage, so any
//     Ethereum wallet can produce it without a registration step.
//   - Timestamps outside MaxSkew are rejected and each signature is accepted
//     at most once inside that window.
//   - Admins are a configured address set allowed to override cancellation
//     and trigger manual tallies.
package auth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Errors
var (
	ErrMissingSignature = errors.New("signature headers required")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
	ErrBadSignature     = errors.New("signature does not match address")
	ErrReplayed         = errors.New("signature already used")
)

// CanonicalMessage is the string a caller signs:
// "escrowd|{METHOD}|{path}|{unix seconds}|{sha256(body) hex}".
func CanonicalMessage(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("escrowd|%s|%s|%d|%s",
		strings.ToUpper(method),
		path,
		timestamp,
		hex.EncodeToString(sum[:]),
	)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the lowercase signer address from a message and a
// hex-encoded 65-byte signature (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Wallets emit v = 27/28, Ecrecover expects 0/1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// Sign produces a 0x-prefixed personal_sign signature with v = 27/28.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier checks signed requests and tracks admin addresses.
type Verifier struct {
	maxSkew time.Duration
	admins  map[string]bool
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // signature -> expiry
}

// NewVerifier creates a verifier. Admin addresses are matched case-insensitively.
func NewVerifier(maxSkew time.Duration, admins []string) *Verifier {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		set[strings.ToLower(a)] = true
	}
	return &Verifier{
		maxSkew: maxSkew,
		admins:  set,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// IsAdmin reports whether addr is in the admin set.
func (v *Verifier) IsAdmin(addr string) bool {
	return v.admins[strings.ToLower(addr)]
}

// Verify authenticates one request and returns the caller's lowercase address.
func (v *Verifier) Verify(method, path, address, timestamp, signature string, body []byte) (string, error) {
	if address == "" || timestamp == "" || signature == "" {
		return "", ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrStaleTimestamp
	}
	now := v.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return "", ErrStaleTimestamp
	}

	recovered, err := RecoverAddress(CanonicalMessage(method, path, ts, body), signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !strings.EqualFold(recovered, address) {
		return "", ErrBadSignature
	}

	sigKey := strings.ToLower(strings.TrimPrefix(signature, "0x"))
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, k)
		}
	}
	if _, dup := v.seen[sigKey]; dup {
		return "", ErrReplayed
	}
	v.seen[sigKey] = now.Add(2 * v.maxSkew)
	return recovered, nil
}
