package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
	BLAKE3     Algorithm = "blake3"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

// Algorithms lists every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, SHA3_256, BLAKE2b256, BLAKE3}
}

// Hasher maps document bytes to a Fingerprint. It holds no mutable state and
// is safe for concurrent use.
type Hasher struct {
	alg Algorithm
}

// NewHasher returns a Hasher for alg. An empty alg selects DefaultAlgorithm.
func NewHasher(alg Algorithm) (*Hasher, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	if _, err := newDigest(alg); err != nil {
		return nil, err
	}
	return &Hasher{alg: alg}, nil
}

// Algorithm returns the configured digest algorithm.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Sum fingerprints an in-memory document. Empty input is valid.
func (h *Hasher) Sum(data []byte) Fingerprint {
	d, _ := newDigest(h.alg) // validated in NewHasher
	d.Write(data)            //nolint:errcheck // hash.Hash never returns an error
	return encode(d)
}

// FromReader streams r into the digest. The result is identical to Sum over
// the same bytes. Read failures and context cancellation are reported as
// ErrInputUnavailable.
func (h *Hasher) FromReader(ctx context.Context, r io.Reader) (Fingerprint, error) {
	d, _ := newDigest(h.alg)
	if _, err := io.Copy(d, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInputUnavailable, err)
	}
	return encode(d), nil
}

// FromFile fingerprints the file at path.
func (h *Hasher) FromFile(ctx context.Context, path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInputUnavailable, err)
	}
	defer f.Close()
	return h.FromReader(ctx, f)
}

func newDigest(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

func encode(d hash.Hash) Fingerprint {
	return Fingerprint(hex.EncodeToString(d.Sum(nil)))
}

// ctxReader aborts a streaming read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
