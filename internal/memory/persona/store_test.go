package persona

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semih2482/cortex/internal/llm"
)

type fakeLLM struct {
	embedding []float32
	reply     string
}

func (f fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) { return f.reply, nil }
func (f fakeLLM) Embed(ctx context.Context, text string) ([]float32, error)     { return f.embedding, nil }
func (f fakeLLM) Dimension() int                                                { return len(f.embedding) }

func newTestStore(t *testing.T, embedding []float32) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "persona.db"), fakeLLM{embedding: embedding}, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedactPIIMasksKnownPatterns(t *testing.T) {
	text := "call me at 555-123-4567 or email jane@example.com"
	redacted := RedactPII(text)
	require.NotContains(t, redacted, "555-123-4567")
	require.NotContains(t, redacted, "jane@example.com")
}

func TestAddTraitRejectsExactDuplicate(t *testing.T) {
	s := newTestStore(t, []float32{1, 0, 0})
	ctx := context.Background()

	out, err := s.AddTrait(ctx, "likes hiking", "msg")
	require.NoError(t, err)
	require.True(t, out.Added)

	out, err = s.AddTrait(ctx, "likes hiking", "msg")
	require.NoError(t, err)
	require.False(t, out.Added)
	require.Equal(t, "duplicate", out.Reason)
}

func TestAddTraitRejectsNearDuplicateByCosine(t *testing.T) {
	s := newTestStore(t, []float32{1, 0, 0})
	ctx := context.Background()

	_, err := s.AddTrait(ctx, "enjoys long walks", "msg")
	require.NoError(t, err)

	out, err := s.AddTrait(ctx, "enjoys long walks outside", "msg")
	require.NoError(t, err)
	require.False(t, out.Added)
	require.Equal(t, "too_similar", out.Reason)
}

func TestExtractAndAddFromMessage(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	client := varyingEmbedLLM{calls: &calls}
	s, err := Open(context.Background(), filepath.Join(dir, "persona.db"), client, Config{})
	require.NoError(t, err)
	defer s.Close()

	outcomes, err := s.ExtractAndAddFromMessage(context.Background(), "I love chess and reading")
	require.NoError(t, err)
	require.NotEmpty(t, outcomes)
}

type varyingEmbedLLM struct{ calls *int }

func (v varyingEmbedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "enjoys chess, enjoys reading, plays on weekends", nil
}

func (v varyingEmbedLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	*v.calls++
	return []float32{float32(*v.calls), 0, 0}, nil
}

func (v varyingEmbedLLM) Dimension() int { return 3 }

func TestPurgeOldRemovesStaleTraits(t *testing.T) {
	s := newTestStore(t, []float32{1, 0, 0})
	_, err := s.AddTrait(context.Background(), "temporary", "msg")
	require.NoError(t, err)

	s.retention = 0
	n, err := s.PurgeOld(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(0))
}
