package vectorstore

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semih2482/cortex/internal/llm"
)

// fakeClient is a deterministic stand-in for llm.Client: it derives an
// embedding from the byte sum of the input so equal inputs always embed
// identically, without depending on a real model.
type fakeClient struct{ dim int }

func (f fakeClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "", nil
}

func (f fakeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	var sum float64
	for _, b := range []byte(text) {
		sum += float64(b)
	}
	for i := range v {
		v[i] = float32(math.Sin(sum + float64(i)))
	}
	return v, nil
}

func (f fakeClient) Dimension() int { return f.dim }

var _ llm.Client = fakeClient{}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "episodic.db"), fakeClient{dim: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddThenSearchReturnsTopResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, "the quick brown fox")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	hits, err := store.Search(ctx, "the quick brown fox", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "the quick brown fox", hits[0].Content)
	require.InDelta(t, 0, hits[0].Distance, 1e-4)
}

func TestSearchOnEmptyStoreReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	hits, err := store.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchRespectsK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, text := range []string{"alpha", "beta", "gamma", "delta"} {
		_, err := store.Add(ctx, text)
		require.NoError(t, err)
	}

	hits, err := store.Search(ctx, "alpha", 2)
	require.NoError(t, err)
	require.LessOrEqual(t, len(hits), 2)
}

func TestDeleteByIDsRemovesFromBothLayers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, "ephemeral note")
	require.NoError(t, err)

	n, err := store.DeleteByIDs(ctx, []string{id})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hits, err := store.Search(ctx, "ephemeral note", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestDeleteByContentSubstring(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, "contains-marker-value")
	require.NoError(t, err)
	_, err = store.Add(ctx, "unrelated text")
	require.NoError(t, err)

	n, err := store.DeleteByContent(ctx, "marker")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	texts, err := store.GetAllDocumentTexts(ctx)
	require.NoError(t, err)
	require.Len(t, texts, 1)
	require.Equal(t, "unrelated text", texts[0])
}

func TestReopenRebuildsIndexFromRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "episodic.db")
	embedder := fakeClient{dim: 8}

	store, err := Open(context.Background(), path, embedder)
	require.NoError(t, err)
	_, err = store.Add(context.Background(), "persisted across reopen")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(context.Background(), path, embedder)
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Search(context.Background(), "persisted across reopen", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestDimensionMismatchRefusesToLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "episodic.db")

	store, err := Open(context.Background(), path, fakeClient{dim: 8})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(context.Background(), path, fakeClient{dim: 16})
	require.Error(t, err)
}
