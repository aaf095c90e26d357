package artifacts_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/regen-network/koi/pkg/artifacts"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *artifacts.Registry {
	t.Helper()
	store, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return artifacts.NewRegistry(store)
}

func TestUpsertArtifactCreated(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cid, err := reg.PutBytes(ctx, []byte("hello"))
	require.NoError(t, err)

	result, err := reg.UpsertArtifact("orn:regen.doc:1", cid, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)
	require.Equal(t, artifacts.Created, result)

	current, err := reg.CurrentCID("orn:regen.doc:1")
	require.NoError(t, err)
	require.Equal(t, cid, current)
}

func TestUpsertArtifactUnchangedOnSameCID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cid, err := reg.PutBytes(ctx, []byte("hello"))
	require.NoError(t, err)

	_, err = reg.UpsertArtifact("orn:regen.doc:1", cid, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)

	result, err := reg.UpsertArtifact("orn:regen.doc:1", cid, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)
	require.Equal(t, artifacts.Unchanged, result)
}

func TestUpsertArtifactRevisedClosesPriorRow(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cidA, err := reg.PutBytes(ctx, []byte("version a"))
	require.NoError(t, err)
	cidB, err := reg.PutBytes(ctx, []byte("version b"))
	require.NoError(t, err)

	_, err = reg.UpsertArtifact("orn:regen.doc:1", cidA, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)

	result, err := reg.UpsertArtifact("orn:regen.doc:1", cidB, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)
	require.Equal(t, artifacts.Revised, result)

	history, err := reg.History("orn:regen.doc:1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, cidA, history[0].Cid)
	require.NotNil(t, history[0].ValidTo)
	require.Equal(t, cidB, history[1].Cid)
	require.Nil(t, history[1].ValidTo)
}

func TestResolveByRidOrCid(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cid, err := reg.PutBytes(ctx, []byte("hello"))
	require.NoError(t, err)
	_, err = reg.UpsertArtifact("orn:regen.doc:1", cid, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)

	byRid, err := reg.Resolve("orn:regen.doc:1")
	require.NoError(t, err)
	require.Equal(t, cid, byRid.Cid)

	byCid, err := reg.Resolve(cid)
	require.NoError(t, err)
	require.Equal(t, "orn:regen.doc:1", byCid.Rid)
}

func TestResolveNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve("orn:regen.doc:missing")
	require.ErrorIs(t, err, artifacts.ErrNotFound)
}

func TestByStageFiltersOnCurrentRows(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	cid, err := reg.PutBytes(ctx, []byte("embedding bytes"))
	require.NoError(t, err)
	_, err = reg.UpsertArtifact("orn:regen.markdown:a#chunk-0-embedding", cid, "application/x-koi-embedding", artifacts.StageEmbedding, nil)
	require.NoError(t, err)

	otherCid, err := reg.PutBytes(ctx, []byte("raw bytes"))
	require.NoError(t, err)
	_, err = reg.UpsertArtifact("orn:regen.raw:a", otherCid, "text/plain", artifacts.StageRaw, nil)
	require.NoError(t, err)

	embeddings := reg.ByStage(artifacts.StageEmbedding)
	require.Len(t, embeddings, 1)
	require.Equal(t, "orn:regen.markdown:a#chunk-0-embedding", embeddings[0].Rid)
}
