package ledger

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	addressPattern = regexp.MustCompile(`^0x[a-f0-9]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[a-f0-9]{64}$`)
)

// ValidationError rejects malformed input before any external call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NormalizeAddress trims and lower-cases a hex address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeHash trims and lower-cases a transaction hash.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// ValidAddress reports whether addr, once normalized, is a 20-byte hex address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(NormalizeAddress(addr))
}

// ValidTxHash reports whether hash, once normalized, is a 32-byte hex hash.
func ValidTxHash(hash string) bool {
	return txHashPattern.MatchString(NormalizeHash(hash))
}
