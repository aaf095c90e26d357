package crypto

import (
	"fmt"

	"github.com/regen-network/koi/pkg/canonicalize"
)

// Hasher provides deterministic hashing for content-addressed artifacts
// and CAT receipts.
type Hasher interface {
	Hash(v interface{}) (string, error)
}

// CanonicalHasher hashes v via RFC 8785 (JCS) canonical serialization so
// the digest is stable regardless of struct field or map key order.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (string, error) {
	digest, err := canonicalize.CanonicalHash(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash failed: %w", err)
	}
	return digest, nil
}
