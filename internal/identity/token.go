package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TxTTL bounds how long a signed transaction may wait before submission.
const TxTTL = 5 * time.Minute

var (
	// ErrInvalidTx is returned when a transaction fails signature or shape checks.
	ErrInvalidTx = errors.New("invalid transaction")

	// ErrNetworkMismatch is returned when a transaction was signed for another network.
	ErrNetworkMismatch = errors.New("transaction signed for a different network")
)

// TxKind distinguishes ledger transaction types.
type TxKind string

const (
	TxIssue TxKind = "issue"
	TxGrant TxKind = "grant"
)

// TxClaims is the signed body of a ledger transaction. Issuer is the signer's
// address and Subject the document holder (issue) or the new authority (grant).
type TxClaims struct {
	jwt.RegisteredClaims
	Kind         TxKind `json:"kind"`
	NetworkID    uint64 `json:"net"`
	PublicKey    string `json:"pub"`
	Fingerprint  string `json:"fp,omitempty"`
	DocumentType string `json:"doc_type,omitempty"`
	Metadata     string `json:"meta,omitempty"`
}

// Sender returns the signing address.
func (c *TxClaims) Sender() Address { return Address(c.Issuer) }

// SignIssue signs an issue transaction for subject and fingerprint.
func (s *Signer) SignIssue(networkID uint64, subject, fp, docType, metadata string) (string, error) {
	return s.sign(TxClaims{
		Kind:         TxIssue,
		NetworkID:    networkID,
		Fingerprint:  fp,
		DocumentType: docType,
		Metadata:     metadata,
	}, NormalizeSubject(subject))
}

// SignGrant signs a transaction that authorises another issuer address.
func (s *Signer) SignGrant(networkID uint64, authority Address) (string, error) {
	return s.sign(TxClaims{Kind: TxGrant, NetworkID: networkID}, string(authority))
}

func (s *Signer) sign(claims TxClaims, subject string) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    string(s.addr),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TxTTL)),
		ID:        uuid.New().String(),
	}
	claims.PublicKey = base64.RawURLEncoding.EncodeToString(s.PublicKey())

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// VerifyTx checks a transaction's signature, expiry and network binding, and
// that the embedded public key derives the claimed sender address.
func VerifyTx(tokenStr string, networkID uint64) (*TxClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&TxClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			claims, ok := tok.Claims.(*TxClaims)
			if !ok {
				return nil, fmt.Errorf("unexpected claims type")
			}
			pub, err := base64.RawURLEncoding.DecodeString(claims.PublicKey)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("malformed public key")
			}
			return ed25519.PublicKey(pub), nil
		},
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	claims, ok := token.Claims.(*TxClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidTx)
	}

	pub, _ := base64.RawURLEncoding.DecodeString(claims.PublicKey)
	if AddressOf(pub) != claims.Sender() {
		return nil, fmt.Errorf("%w: sender address does not match signing key", ErrInvalidTx)
	}
	if claims.NetworkID != networkID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNetworkMismatch, claims.NetworkID, networkID)
	}
	switch claims.Kind {
	case TxIssue:
		if claims.Subject == "" || claims.Fingerprint == "" {
			return nil, fmt.Errorf("%w: issue requires subject and fingerprint", ErrInvalidTx)
		}
	case TxGrant:
		if _, err := ParseAddress(claims.Subject); err != nil {
			return nil, fmt.Errorf("%w: grant requires an authority address", ErrInvalidTx)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTx, claims.Kind)
	}
	return claims, nil
}
