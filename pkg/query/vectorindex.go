package query

import (
	"context"
	"math"
	"sort"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/store"
)

// EmbeddingSource enumerates current embedding-stage artifacts and fetches
// their bytes, satisfied by *artifacts.Registry via RegistryEmbeddingSource.
type EmbeddingSource interface {
	ByStage(stage string) []*artifacts.Artifact
	GetBytes(ctx context.Context, cid string) ([]byte, error)
}

// RegistryVectorIndex implements VectorIndex over the embedding artifacts
// already written by EmbedStage (pkg/pipeline/embed.go's EncodeVector
// byte layout), for single-node deployments that run without a
// pgvector-backed Postgres instance. *store.PGVectorStore remains the
// production-scale implementation of the same interface for deployments
// backed by Postgres.
type RegistryVectorIndex struct {
	source EmbeddingSource
}

// NewRegistryVectorIndex wraps source (typically *artifacts.Registry).
func NewRegistryVectorIndex(source EmbeddingSource) *RegistryVectorIndex {
	return &RegistryVectorIndex{source: source}
}

// Search computes cosine similarity between vector and every current
// embedding artifact, returning the top limit matches descending by
// score. This is a full scan: adequate for the corpus sizes a
// single-node deployment handles, and a drop-in swap for PGVectorStore
// once a document volume calls for an ANN index.
func (idx *RegistryVectorIndex) Search(ctx context.Context, vector store.Embedding, limit int) ([]store.SearchResult, error) {
	candidates := idx.source.ByStage(artifacts.StageEmbedding)
	results := make([]store.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		data, err := idx.source.GetBytes(ctx, c.Cid)
		if err != nil {
			continue
		}
		score := cosineSimilarity(vector, pipeline.DecodeVector(data))
		results = append(results, store.SearchResult{ID: c.Rid, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosineSimilarity(a store.Embedding, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
