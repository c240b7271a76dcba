package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectFallsBackToQValueWithoutContext(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "tools.json"), []string{"a", "b"}, Options{Epsilon: 0, Rule: DefaultToolUpdateRule})
	require.NoError(t, err)

	require.NoError(t, b.Update(context.Background(), "b", 1.0, nil))

	sel, err := b.Select(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "b", sel.Arm)
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")

	b, err := Open(path, []string{"a", "b"}, Options{Epsilon: 0, Rule: DefaultToolUpdateRule})
	require.NoError(t, err)
	require.NoError(t, b.Update(context.Background(), "a", 1.0, nil))

	reopened, err := Open(path, []string{"a", "b"}, Options{Epsilon: 0, Rule: DefaultToolUpdateRule})
	require.NoError(t, err)

	sel, err := reopened.Select(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "a", sel.Arm)
}

func TestOpenWithCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	b, err := Open(path, []string{"a"}, Options{Epsilon: 0})
	require.NoError(t, err)
	require.Len(t, b.arms, 1)
}

func TestPromptUpdateRuleClampsFloor(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "prompts.json"), []string{"p1"}, Options{Epsilon: 0, Rule: DefaultPromptUpdateRule})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Update(context.Background(), "p1", -1.0, nil))
	}
	require.GreaterOrEqual(t, b.arms["p1"].QValue, -1.0)
}

func TestSelectEpsilonOneAlwaysExplores(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "tools.json"), []string{"a", "b"}, Options{Epsilon: 1.0})
	require.NoError(t, err)

	sel, err := b.Select(context.Background(), "anything")
	require.NoError(t, err)
	require.True(t, sel.Explored)
}

