// Package dedup implements the two-tier deduplication policy run at
// ingestion, before any paid pipeline work: an exact CID match, then an
// approximate similarity check against recent candidates.
package dedup

import (
	"context"
	"strings"
	"sync"
)

// Outcome classifies a dedup decision.
type Outcome string

const (
	OutcomeNone  Outcome = "none"  // below all thresholds: process normally
	OutcomeSkip  Outcome = "skip"  // >= SkipThreshold: return existing artifact
	OutcomeMerge Outcome = "merge" // >= MergeThreshold, < SkipThreshold
	OutcomeFlag  Outcome = "flag"  // >= FlagThreshold, < MergeThreshold
)

// Decision is the result of checking one document against the corpus.
type Decision struct {
	Outcome    Outcome
	MatchedRid string
	MatchedCid string
	Similarity float64
}

// Thresholds configures the approximate-match bands. Zero value yields the
// spec defaults via NewChecker.
type Thresholds struct {
	Skip  float64
	Merge float64
	Flag  float64
}

const (
	DefaultSkipThreshold  = 0.95
	DefaultMergeThreshold = 0.85
	DefaultFlagThreshold  = 0.75
	candidateWindow       = 200 // bounded set of recent candidates considered for approximate match
	jaccardTokenWindow    = 200 // first N tokens considered for the word-set Jaccard score
)

// ArtifactIndex is the capability Checker needs from the Artifact Store:
// resolving an exact CID to its owning RID. The recent candidates for the
// approximate pass are kept by the Checker itself, not read from the index.
type ArtifactIndex interface {
	// RidForCid returns the RID currently mapped to cid, if any.
	RidForCid(cid string) (rid string, ok bool)
}

// Checker implements the two-tier policy. It is safe for concurrent use.
type Checker struct {
	index      ArtifactIndex
	thresholds Thresholds

	mu         sync.Mutex
	candidates []candidate // bounded, most-recent-last
}

type candidate struct {
	Rid    string
	Cid    string
	Tokens []string
}

// NewChecker creates a Checker with the given thresholds; zero fields fall
// back to the package defaults.
func NewChecker(index ArtifactIndex, t Thresholds) *Checker {
	if t.Skip == 0 {
		t.Skip = DefaultSkipThreshold
	}
	if t.Merge == 0 {
		t.Merge = DefaultMergeThreshold
	}
	if t.Flag == 0 {
		t.Flag = DefaultFlagThreshold
	}
	return &Checker{index: index, thresholds: t}
}

// Check runs the exact-then-approximate policy for bytes with content
// identifier cid about to be written under rid.
func (c *Checker) Check(ctx context.Context, rid, cid string, bytes []byte) (Decision, error) {
	if existingRid, ok := c.index.RidForCid(cid); ok {
		if existingRid == rid {
			return Decision{Outcome: OutcomeNone, MatchedRid: rid, MatchedCid: cid, Similarity: 1.0}, nil
		}
		return Decision{Outcome: OutcomeSkip, MatchedRid: existingRid, MatchedCid: cid, Similarity: 1.0}, nil
	}

	tokens := tokenize(bytes)
	decision := c.approximateMatch(rid, cid, tokens)
	c.remember(rid, cid, tokens)
	return decision, nil
}

func (c *Checker) approximateMatch(rid, cid string, tokens []string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := Decision{Outcome: OutcomeNone}
	for _, cand := range c.candidates {
		score := jaccard(tokens, cand.Tokens)
		if score > best.Similarity {
			best = Decision{Similarity: score, MatchedRid: cand.Rid, MatchedCid: cand.Cid}
		}
	}

	switch {
	case best.Similarity >= c.thresholds.Skip:
		best.Outcome = OutcomeSkip
	case best.Similarity >= c.thresholds.Merge:
		best.Outcome = OutcomeMerge
	case best.Similarity >= c.thresholds.Flag:
		best.Outcome = OutcomeFlag
	default:
		best.Outcome = OutcomeNone
	}
	return best
}

func (c *Checker) remember(rid, cid string, tokens []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate{Rid: rid, Cid: cid, Tokens: tokens})
	if len(c.candidates) > candidateWindow {
		c.candidates = c.candidates[len(c.candidates)-candidateWindow:]
	}
}

func tokenize(b []byte) []string {
	fields := strings.Fields(strings.ToLower(string(b)))
	if len(fields) > jaccardTokenWindow {
		fields = fields[:jaccardTokenWindow]
	}
	return fields
}

// jaccard computes the word-set Jaccard similarity: a minimum acceptable
// baseline. A cosine-similarity embedding index can be layered in by
// supplying a different ArtifactIndex/Checker pairing without changing
// this contract.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	setA := toSet(a)
	setB := toSet(b)

	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}
