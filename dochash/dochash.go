// Package dochash fingerprints supporting documents so a payment can be bound
// to off-chain evidence without storing the evidence itself.
package dochash

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Size is the digest length in bytes.
const Size = 32

// Hash returns the hex-encoded Keccak-256 digest of the content. The digest is
// deterministic: equal content always yields an equal fingerprint.
func Hash(content string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate reports whether s is a well-formed fingerprint as produced by Hash.
// The empty string is accepted since the document hash is optional.
func Validate(s string) error {
	if s == "" {
		return nil
	}
	if len(s) != Size*2 {
		return fmt.Errorf("dochash: digest must be %d hex characters, got %d", Size*2, len(s))
	}
	if _, err := hex.DecodeString(strings.ToLower(s)); err != nil {
		return fmt.Errorf("dochash: digest is not hex: %w", err)
	}
	return nil
}
