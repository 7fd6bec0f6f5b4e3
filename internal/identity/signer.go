package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keyPEMType = "PRIVATE KEY"

// ErrInvalidAddress is returned when a string is not a well-formed address.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies an issuer or subject: "0x" followed by 40 lowercase hex
// characters (the first 20 bytes of SHA-256 over the ed25519 public key).
type Address string

// AddressOf derives the address of an ed25519 public key.
func AddressOf(pub ed25519.PublicKey) Address {
	sum := sha256.Sum256(pub)
	return Address("0x" + hex.EncodeToString(sum[:20]))
}

// ParseAddress validates and normalises s.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	raw := strings.TrimPrefix(s, "0x")
	if len(raw) != 40 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address("0x" + raw), nil
}

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }

// NormalizeSubject canonicalises a subject identity for storage and lookup.
// Addresses compare case-insensitively, so the canonical form is lowercase.
func NormalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Signer holds an issuer's ed25519 key pair.
type Signer struct {
	key  ed25519.PrivateKey
	addr Address
}

// NewSigner wraps an existing private key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, addr: AddressOf(pub)}
}

// GenerateSigner creates a fresh random signer.
func GenerateSigner() (*Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signer key: %w", err)
	}
	return NewSigner(key), nil
}

// ParseSignerPEM decodes a PKCS#8 PEM-encoded ed25519 private key.
func ParseSignerPEM(data []byte) (*Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != keyPEMType {
		return nil, fmt.Errorf("decode signer key: no %s PEM block", keyPEMType)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse signer key: expected ed25519, got %T", parsed)
	}
	return NewSigner(key), nil
}

// LoadSigner reads a PEM key file.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signer key: %w", err)
	}
	return ParseSignerPEM(data)
}

// LoadOrCreateSigner loads the key at path, generating and persisting a new
// one when the file does not exist.
func LoadOrCreateSigner(path string) (*Signer, error) {
	if s, err := LoadSigner(path); err == nil {
		return s, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	s, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	pemBytes, err := s.MarshalPEM()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write signer key: %w", err)
	}
	return s, nil
}

// MarshalPEM encodes the private key as PKCS#8 PEM.
func (s *Signer) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return nil, fmt.Errorf("marshal signer key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: der}), nil
}

// Address returns the signer's issuer address.
func (s *Signer) Address() Address { return s.addr }

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }
