// Package query implements the read-only Query Interface: lookups and
// search over artifacts, provenance, and extracted entities. Every
// operation here is non-blocking on ingestion — it only reads from the
// Artifact Store, Receipt Ledger, vector index, and entity index built by
// the Pipeline Engine.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/ledger"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/store"
)

// DefaultScoreFloor is applied to search results when none is configured.
const DefaultScoreFloor = 0.1

// ArtifactStore is the capability Query needs from the content-addressed
// store and RID index, satisfied by *artifacts.Registry.
type ArtifactStore interface {
	GetBytes(ctx context.Context, cid string) ([]byte, error)
	Resolve(ridOrCid string) (*artifacts.Artifact, error)
}

// ProvenanceLedger is the capability Query needs from the Receipt Ledger.
type ProvenanceLedger interface {
	ChainFor(rid string) ([]ledger.CAT, error)
}

// VectorIndex is the capability Query needs from the embedding index,
// satisfied by *store.PGVectorStore.
type VectorIndex interface {
	Search(ctx context.Context, vector store.Embedding, limit int) ([]store.SearchResult, error)
}

// EntityIndex is the capability Query needs for entitiesOf/
// artifactsMentioning, satisfied by *MemoryEntityIndex.
type EntityIndex interface {
	EntitiesOf(rid string) ([]pipeline.Entity, error)
	ArtifactsMentioning(entityRid string, limit int) ([]string, error)
}

// Filter narrows a search call to a RID prefix (e.g. one namespace or
// source) and/or an agent scope recorded in an artifact's metadata.
type Filter struct {
	RidPrefix string
	Agent     string
}

// Hit is one ranked search result.
type Hit struct {
	FragmentRid string
	Score       float64
	ParentRid   string
	CreatedAt   time.Time
}

// Service implements the Query Interface over injected read capabilities.
type Service struct {
	Store      ArtifactStore
	Ledger     ProvenanceLedger
	Embedder   store.Embedder
	Vectors    VectorIndex
	Entities   EntityIndex
	ScoreFloor float64
}

// NewService wires a Service from its capabilities, defaulting ScoreFloor
// to DefaultScoreFloor.
func NewService(artifactStore ArtifactStore, receiptLedger ProvenanceLedger, embedder store.Embedder, vectors VectorIndex, entities EntityIndex) *Service {
	return &Service{
		Store:      artifactStore,
		Ledger:     receiptLedger,
		Embedder:   embedder,
		Vectors:    vectors,
		Entities:   entities,
		ScoreFloor: DefaultScoreFloor,
	}
}

// GetArtifact resolves ridOrCid to its current Artifact record plus bytes.
func (s *Service) GetArtifact(ctx context.Context, ridOrCid string) (*artifacts.Artifact, []byte, error) {
	art, err := s.Store.Resolve(ridOrCid)
	if err != nil {
		return nil, nil, fmt.Errorf("query: resolve %s: %w", ridOrCid, err)
	}
	data, err := s.Store.GetBytes(ctx, art.Cid)
	if err != nil {
		return nil, nil, fmt.Errorf("query: get bytes for %s: %w", art.Cid, err)
	}
	return art, data, nil
}

// Provenance returns the ordered chain of CATs from root to rid's current
// artifact.
func (s *Service) Provenance(rid string) ([]ledger.CAT, error) {
	chain, err := s.Ledger.ChainFor(rid)
	if err != nil {
		return nil, fmt.Errorf("query: provenance for %s: %w", rid, err)
	}
	return chain, nil
}

// Search embeds text with the same model family ingestion uses, ranks the
// embedding index by cosine similarity, and returns up to topK hits at or
// above ScoreFloor, filtered by RID prefix and/or agent scope, with a
// deterministic tie-break: higher createdAt first, then lexicographically
// smaller RID.
func (s *Service) Search(ctx context.Context, text string, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	vec, err := s.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query: embed search text: %w", err)
	}

	// Overfetch before filtering so a RID-prefix/agent scope narrow
	// enough to exclude most candidates still yields topK results.
	raw, err := s.Vectors.Search(ctx, vec, topK*4+20)
	if err != nil {
		return nil, fmt.Errorf("query: vector search: %w", err)
	}

	hits := make([]Hit, 0, len(raw))
	for _, r := range raw {
		if float64(r.Score) < s.ScoreFloor {
			continue
		}
		if filter.RidPrefix != "" && !strings.HasPrefix(r.ID, filter.RidPrefix) {
			continue
		}
		art, err := s.Store.Resolve(r.ID)
		if err != nil {
			continue
		}
		if filter.Agent != "" && art.Metadata["agent"] != filter.Agent {
			continue
		}
		hits = append(hits, Hit{
			FragmentRid: r.ID,
			Score:       float64(r.Score),
			ParentRid:   parentOf(r.ID),
			CreatedAt:   art.CreatedAt,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].FragmentRid < hits[j].FragmentRid
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// EntitiesOf returns the entities extracted from rid.
func (s *Service) EntitiesOf(rid string) ([]pipeline.Entity, error) {
	return s.Entities.EntitiesOf(rid)
}

// ArtifactsMentioning returns up to limit artifacts that entityRid was
// extracted from.
func (s *Service) ArtifactsMentioning(entityRid string, limit int) ([]*artifacts.Artifact, error) {
	rids, err := s.Entities.ArtifactsMentioning(entityRid, limit)
	if err != nil {
		return nil, fmt.Errorf("query: artifacts mentioning %s: %w", entityRid, err)
	}
	out := make([]*artifacts.Artifact, 0, len(rids))
	for _, rid := range rids {
		if art, err := s.Store.Resolve(rid); err == nil {
			out = append(out, art)
		}
	}
	return out, nil
}

// parentOf strips a fragment RID's "#chunk-N[-enriched|-embedding]" suffix
// to recover the markdown artifact RID it was derived from.
func parentOf(fragmentRid string) string {
	if idx := strings.Index(fragmentRid, "#chunk-"); idx >= 0 {
		return fragmentRid[:idx]
	}
	return fragmentRid
}
