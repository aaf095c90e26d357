package query_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/regen-network/koi/pkg/pipeline"
	"github.com/regen-network/koi/pkg/query"
	"github.com/regen-network/koi/pkg/store"
)

func TestRegistryVectorIndexRanksByCosineSimilarity(t *testing.T) {
	ctx := context.Background()
	fileStore, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	reg := artifacts.NewRegistry(fileStore)

	closeCid, err := reg.PutBytes(ctx, pipeline.EncodeVector([]float32{1, 0, 0}))
	require.NoError(t, err)
	_, err = reg.UpsertArtifact("orn:regen.markdown:a#chunk-0-embedding", closeCid, "application/x-koi-embedding", artifacts.StageEmbedding, nil)
	require.NoError(t, err)

	farCid, err := reg.PutBytes(ctx, pipeline.EncodeVector([]float32{0, 1, 0}))
	require.NoError(t, err)
	_, err = reg.UpsertArtifact("orn:regen.markdown:b#chunk-0-embedding", farCid, "application/x-koi-embedding", artifacts.StageEmbedding, nil)
	require.NoError(t, err)

	idx := query.NewRegistryVectorIndex(reg)
	results, err := idx.Search(ctx, store.Embedding{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "orn:regen.markdown:a#chunk-0-embedding", results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 1e-6)
	require.Less(t, results[1].Score, results[0].Score)
}
