// Package fingerprint computes the content fingerprints that anchor documents
// on the ledger.
//
// A Fingerprint is the lowercase hex encoding of a 32-byte digest of the
// document's bytes. Identical bytes always yield identical fingerprints; the
// fingerprint is the only key shared by on-ledger and off-ledger records.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the digest length in bytes for every supported algorithm.
const Size = 32

var (
	// ErrInputUnavailable is returned when the document bytes cannot be read.
	// It is distinct from any hashing outcome: no fingerprint was produced.
	ErrInputUnavailable = errors.New("document input unavailable")

	// ErrInvalidFingerprint is returned when a string is not a well-formed fingerprint.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrUnknownAlgorithm is returned for an unsupported hash algorithm name.
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
)

// Fingerprint is the hex-encoded digest of a document.
type Fingerprint string

// Parse validates s and returns it as a normalised Fingerprint.
// An optional "0x" prefix is accepted and stripped.
func Parse(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if len(s) != hex.EncodedLen(Size) {
		return "", fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidFingerprint, hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	return Fingerprint(s), nil
}

// MustParse is like Parse but panics on error. Useful in tests.
func MustParse(s string) Fingerprint {
	fp, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return fp
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }

// Bytes returns the raw digest. It returns nil for a malformed fingerprint.
func (f Fingerprint) Bytes() []byte {
	b, err := hex.DecodeString(string(f))
	if err != nil {
		return nil
	}
	return b
}

// Short returns an abbreviated form for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
