// Package identity implements the dual-identity model: RIDs (semantic,
// stable resource identifiers) and CIDs (content-addressed digests).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidID    = errors.New("identity: invalid id")
	ErrMalformedRID = errors.New("identity: malformed rid")
	ErrMalformedCID = errors.New("identity: malformed cid")
)

// idPattern matches the wire format's <id> segment: letters, digits, dot,
// underscore, hyphen, and slash (for hierarchical source paths like
// "notion/pageA").
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// RID is a semantic resource identifier: orn:<namespace>.<type>:<id>.
// It is immutable and stable across content revisions.
type RID string

// CID is a content identifier: cid:sha256:<hex64>.
type CID string

const retroactiveSentinel = "cid:unknown:retroactive"

// IsRetroactiveSentinel reports whether cid is the sentinel used by
// retroactive CATs whose true input predates this system.
func IsRetroactiveSentinel(cid CID) bool {
	return string(cid) == retroactiveSentinel
}

// MintRID builds an RID from its parts, validating id is non-empty and
// URL-safe and normalizing namespace/type to lowercase.
func MintRID(namespace, typ, id string) (RID, error) {
	if id == "" || !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	namespace = strings.ToLower(namespace)
	typ = strings.ToLower(typ)
	if namespace == "" || typ == "" {
		return "", fmt.Errorf("%w: namespace and type must be non-empty", ErrInvalidID)
	}
	rid := fmt.Sprintf("orn:%s.%s:%s", namespace, typ, id)
	if len(rid) > 512 {
		return "", fmt.Errorf("%w: rid exceeds 512 bytes", ErrInvalidID)
	}
	return RID(rid), nil
}

// ParsedRID holds the decomposed parts of an RID.
type ParsedRID struct {
	Namespace string
	Type      string
	ID        string
}

// ParseRID decomposes an RID string into its namespace, type, and id.
func ParseRID(s string) (ParsedRID, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "orn:") {
		return ParsedRID{}, fmt.Errorf("%w: missing orn: prefix", ErrMalformedRID)
	}
	rest := strings.TrimPrefix(s, "orn:")
	colonIdx := strings.Index(rest, ":")
	if colonIdx < 0 || colonIdx == len(rest)-1 {
		return ParsedRID{}, fmt.Errorf("%w: missing id segment", ErrMalformedRID)
	}
	nsType, id := rest[:colonIdx], rest[colonIdx+1:]
	dotIdx := strings.LastIndex(nsType, ".")
	if dotIdx < 0 {
		return ParsedRID{}, fmt.Errorf("%w: missing namespace.type segment", ErrMalformedRID)
	}
	if id == "" {
		return ParsedRID{}, fmt.Errorf("%w: empty id", ErrMalformedRID)
	}
	return ParsedRID{
		Namespace: nsType[:dotIdx],
		Type:      nsType[dotIdx+1:],
		ID:        id,
	}, nil
}

// HashCID computes the content identifier for bytes: SHA-256, lower-hex.
// Whitespace-only and empty byte slices still produce a valid CID; the
// Ingestion API is responsible for rejecting empty payloads before they
// reach this function.
func HashCID(data []byte) CID {
	h := sha256.Sum256(data)
	return CID("cid:sha256:" + hex.EncodeToString(h[:]))
}

// ParsedCID holds the decomposed parts of a CID.
type ParsedCID struct {
	Algorithm string
	Digest    string
}

// ParseCID decomposes a CID string. CIDs are case-insensitive on read,
// normalized to lowercase.
func ParseCID(s string) (ParsedCID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "cid" {
		return ParsedCID{}, fmt.Errorf("%w: missing cid: prefix", ErrMalformedCID)
	}
	if parts[1] != "sha256" || len(parts[2]) != 64 {
		return ParsedCID{}, fmt.Errorf("%w: expected sha256 digest of 64 hex chars, got alg=%s len=%d", ErrMalformedCID, parts[1], len(parts[2]))
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return ParsedCID{}, fmt.Errorf("%w: non-hex digest", ErrMalformedCID)
	}
	return ParsedCID{Algorithm: parts[1], Digest: parts[2]}, nil
}
