// Package ledger implements the append-only Receipt Ledger: a hash-chained
// log of transformation receipts (CATs) describing how artifacts were
// derived from one another.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/canonicalize"
	"github.com/regen-network/koi/pkg/crypto"
	"github.com/regen-network/koi/pkg/merkle"
	"github.com/regen-network/koi/pkg/observability"
)

// ErrBrokenProvenance is returned when a CAT fails validation on append:
// its input artifact does not exist (and is not the retroactive sentinel),
// its output artifact does not exist, or its recipe's prompt template CID
// does not resolve in the store.
var ErrBrokenProvenance = errors.New("ledger: broken provenance")

// ErrNotFound is returned when a catId or rid has no matching entries.
var ErrNotFound = errors.New("ledger: not found")

// RetroactiveSentinelCID marks a CAT whose true input predates this system.
const RetroactiveSentinelCID = "cid:unknown:retroactive"

// Recipe captures how a stage transformed its input.
type Recipe struct {
	Stage             string                 `json:"stage"`
	Model             string                 `json:"model,omitempty"`
	PromptTemplateCid string                 `json:"promptTemplateCid,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
}

// Cost records the resources a transformation consumed.
type Cost struct {
	Tokens  int64   `json:"tokens,omitempty"`
	Compute float64 `json:"compute,omitempty"`
	Storage int64   `json:"storage,omitempty"`
}

// CAT (Content-Addressable Transformation receipt) is a single append-only
// ledger entry describing one pipeline stage's transformation of an input
// artifact into an output artifact.
type CAT struct {
	CatID       string    `json:"catId"`
	Operation   string    `json:"operation"`
	Timestamp   time.Time `json:"timestamp"`
	InputRid    string    `json:"inputRid"`
	InputCid    string    `json:"inputCid"`
	OutputRid   string    `json:"outputRid"`
	OutputCid   string    `json:"outputCid"`
	Recipe      Recipe    `json:"recipe"`
	Agent       string    `json:"agent"`
	Cost        Cost      `json:"cost"`
	Retroactive bool      `json:"retroactive"`
	Signature   string    `json:"signature,omitempty"`
}

// ComputeCatID derives the deterministic catId: cat:<operation>:<hash(inputCid||outputCid||recipeHash)>.
func ComputeCatID(operation, inputCid, outputCid, recipeHash string) string {
	h := sha256.Sum256([]byte(inputCid + "|" + outputCid + "|" + recipeHash))
	return fmt.Sprintf("cat:%s:%s", operation, hex.EncodeToString(h[:])[:32])
}

// RecipeHash canonicalizes a Recipe to a stable digest used by ComputeCatID.
func RecipeHash(r Recipe) (string, error) {
	hash, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize recipe: %w", err)
	}
	return hash, nil
}

// ArtifactResolver is the capability the ledger needs to validate a CAT
// append: it must be able to ask whether a CID currently resolves to a
// stored artifact. Satisfied by pkg/artifacts.Store.
type ArtifactResolver interface {
	Exists(cid string) bool
}

// AppendResult reports whether an append was new or idempotently absorbed.
type AppendResult string

const (
	Appended       AppendResult = "appended"
	AlreadyPresent AppendResult = "alreadyPresent"
)

// entry is the internal hash-chained wrapper around a CAT.
type entry struct {
	Seq      uint64
	Cat      CAT
	PrevHash string
	Hash     string
}

// Ledger is an in-memory, hash-chained, append-only CAT log. It is safe
// for concurrent use. It keeps its entries in process memory only; the
// SQL-backed ReceiptStore types in pkg/store are separate implementations
// and are not written by Ledger.
type Ledger struct {
	mu       sync.RWMutex
	resolver ArtifactResolver
	entries  []entry
	byCatID  map[string]int // catId -> index into entries
	headHash string
	clock    func() time.Time
	signer   crypto.Signer
	timeline *observability.AuditTimeline
}

// NewLedger creates an empty ledger. resolver may be nil, in which case
// artifact-existence validation is skipped (useful for tests exercising
// chain logic alone).
func NewLedger(resolver ArtifactResolver) *Ledger {
	return &Ledger{
		resolver: resolver,
		byCatID:  make(map[string]int),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides the ledger's time source, for deterministic tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithSigner configures a signer so every appended CAT carries a
// signature over its canonical bytes, per §6's optional CAT signature
// field. Without a signer, CATs are appended unsigned.
func (l *Ledger) WithSigner(signer crypto.Signer) *Ledger {
	l.signer = signer
	return l
}

// WithTimeline attaches an audit timeline: every successful append also
// records a queryable CAT entry on it, independent of the hash chain,
// so an operator can browse provenance by rid/time range without
// replaying ChainFor.
func (l *Ledger) WithTimeline(timeline *observability.AuditTimeline) *Ledger {
	l.timeline = timeline
	return l
}

// Append adds a CAT to the ledger. The catId is expected to already be
// computed by the caller (pipeline stage) via ComputeCatID; Append
// validates provenance and enforces idempotency on catId.
func (l *Ledger) Append(cat CAT) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byCatID[cat.CatID]; ok {
		_ = idx
		return AlreadyPresent, nil
	}

	if err := l.validate(cat); err != nil {
		return "", err
	}

	if l.signer != nil && cat.Signature == "" {
		unsigned, err := canonicalize.JCS(cat)
		if err != nil {
			return "", fmt.Errorf("ledger: canonicalize cat for signing: %w", err)
		}
		sig, _, err := artifacts.SignBytes(unsigned, l.signer)
		if err != nil {
			return "", fmt.Errorf("ledger: sign cat: %w", err)
		}
		cat.Signature = sig
	}

	raw, err := canonicalize.JCS(struct {
		Cat      CAT    `json:"cat"`
		PrevHash string `json:"prev"`
	}{cat, l.headHash})
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry: %w", err)
	}
	h := sha256.Sum256(raw)
	contentHash := "sha256:" + hex.EncodeToString(h[:])

	e := entry{
		Seq:      uint64(len(l.entries)) + 1,
		Cat:      cat,
		PrevHash: l.headHash,
		Hash:     contentHash,
	}
	l.entries = append(l.entries, e)
	l.byCatID[cat.CatID] = len(l.entries) - 1
	l.headHash = contentHash

	if l.timeline != nil {
		_ = l.timeline.Record(observability.TimelineEntry{
			EntryType: observability.EntryTypeCAT,
			Rid:       cat.OutputRid,
			Timestamp: cat.Timestamp,
			Actor:     cat.Agent,
			Summary:   fmt.Sprintf("%s produced %s from %s", cat.Operation, cat.OutputRid, cat.InputRid),
			Details: map[string]interface{}{
				"catId":     cat.CatID,
				"operation": cat.Operation,
				"inputCid":  cat.InputCid,
				"outputCid": cat.OutputCid,
			},
		})
	}

	return Appended, nil
}

func (l *Ledger) validate(cat CAT) error {
	if l.resolver == nil {
		return nil
	}
	if !cat.Retroactive && cat.InputCid != RetroactiveSentinelCID {
		if cat.InputCid != "" && !l.resolver.Exists(cat.InputCid) {
			return fmt.Errorf("%w: input cid %s does not resolve", ErrBrokenProvenance, cat.InputCid)
		}
	}
	if cat.OutputCid != "" && !l.resolver.Exists(cat.OutputCid) {
		return fmt.Errorf("%w: output cid %s does not resolve", ErrBrokenProvenance, cat.OutputCid)
	}
	if cat.Recipe.PromptTemplateCid != "" && !l.resolver.Exists(cat.Recipe.PromptTemplateCid) {
		return fmt.Errorf("%w: prompt template cid %s does not resolve", ErrBrokenProvenance, cat.Recipe.PromptTemplateCid)
	}
	return nil
}

// ByCatID looks up a single CAT.
func (l *Ledger) ByCatID(catID string) (*CAT, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byCatID[catID]
	if !ok {
		return nil, ErrNotFound
	}
	cat := l.entries[idx].Cat
	return &cat, nil
}

// ByInput returns all CATs whose inputCid or inputRid matches key.
func (l *Ledger) ByInput(key string) []CAT {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []CAT
	for _, e := range l.entries {
		if e.Cat.InputCid == key || e.Cat.InputRid == key {
			out = append(out, e.Cat)
		}
	}
	return out
}

// ChainFor walks backwards from the most recent CAT whose outputRid
// matches rid, following each CAT's inputCid to the most recent CAT not
// already in the chain that produced it, until no such CAT exists, and
// returns the chain in oldest-to-newest order.
func (l *Ledger) ChainFor(rid string) ([]CAT, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var latest *CAT
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Cat.OutputRid == rid {
			c := l.entries[i].Cat
			latest = &c
			break
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}

	chain := []CAT{*latest}
	cursor := *latest
	seen := map[string]bool{latest.CatID: true}
	for {
		var producer *CAT
		for i := len(l.entries) - 1; i >= 0; i-- {
			if l.entries[i].Cat.OutputCid == cursor.InputCid && l.entries[i].Cat.OutputCid != "" && !seen[l.entries[i].Cat.CatID] {
				c := l.entries[i].Cat
				producer = &c
				break
			}
		}
		if producer == nil {
			break
		}
		seen[producer.CatID] = true
		chain = append([]CAT{*producer}, chain...)
		cursor = *producer
	}
	return chain, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of appended entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// DayShardRoot builds a Merkle root over every CAT appended on the UTC
// calendar day identified by day (format "2006-01-02"), matching the
// persisted layout's day-sharded ledger directories. The root lets an
// operator publish or archive a single digest per shard and later prove
// a specific CAT was part of it via merkle.VerifyInclusionProof.
func (l *Ledger) DayShardRoot(day string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	leaves := make(map[string]interface{})
	for _, e := range l.entries {
		if e.Cat.Timestamp.UTC().Format("2006-01-02") == day {
			leaves[e.Cat.CatID] = e.Cat
		}
	}
	if len(leaves) == 0 {
		return "", ErrNotFound
	}

	tree, err := merkle.BuildMerkleTree(leaves)
	if err != nil {
		return "", fmt.Errorf("ledger: build day shard root: %w", err)
	}
	return tree.Root, nil
}

// Verify recomputes the hash chain from genesis and reports whether it is intact.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := "genesis"
	for i, e := range l.entries {
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, e.PrevHash)
		}
		raw, err := canonicalize.JCS(struct {
			Cat      CAT    `json:"cat"`
			PrevHash string `json:"prev"`
		}{e.Cat, e.PrevHash})
		if err != nil {
			return false, fmt.Sprintf("failed to canonicalize entry %d", i+1)
		}
		h := sha256.Sum256(raw)
		computed := "sha256:" + hex.EncodeToString(h[:])
		if computed != e.Hash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = e.Hash
	}
	return true, "chain verified"
}
