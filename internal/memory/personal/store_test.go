package personal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/semih2482/cortex/internal/llm"
)

type fakeLLM struct{ embedding []float32 }

func (f fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) { return "", nil }
func (f fakeLLM) Embed(ctx context.Context, text string) ([]float32, error)     { return f.embedding, nil }
func (f fakeLLM) Dimension() int                                                { return len(f.embedding) }

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "research_queue.txt")
	s, err := Open(context.Background(), filepath.Join(dir, "personal.db"), queuePath, fakeLLM{embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, queuePath
}

func TestAddThenSearchReturnsNote(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "favorite chess opening is the Sicilian", "chess", nil, AddOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	hits, err := s.Search(ctx, "chess opening", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "chess", hits[0].Note.Topic)
}

func TestAddAppendsToResearchQueueUnlessSkipped(t *testing.T) {
	s, queuePath := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "needs follow up", "golang", nil, AddOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(queuePath)
	require.NoError(t, err)
	require.Contains(t, string(data), "[golang] needs follow up")

	sizeBefore := len(data)
	_, err = s.Add(ctx, "no follow up needed", "golang", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)

	data, err = os.ReadFile(queuePath)
	require.NoError(t, err)
	require.Equal(t, sizeBefore, len(data), "SkipQueue must not append to the research queue")
}

func TestSearchRestrictsToTopic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "note about go", "golang", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)
	_, err = s.Add(ctx, "note about rust", "rust", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)

	hits, err := s.Search(ctx, "note", 5, "golang")
	require.NoError(t, err)
	for _, h := range hits {
		require.Equal(t, "golang", h.Note.Topic)
	}
}

func TestTopicsEnumeratesDistinctTopics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "a", "golang", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", "golang", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)
	_, err = s.Add(ctx, "c", "rust", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)

	topics, err := s.Topics(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"golang", "rust"}, topics)
}

func TestDeleteByTopicRemovesAllNotesUnderTopic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "a", "golang", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", "golang", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)

	n, err := s.DeleteByTopic(ctx, "golang")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	hits, err := s.Search(ctx, "a", 5, "")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestDeleteByIDRemovesSingleNote(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "keep me unique", "misc", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)

	require.NoError(t, s.DeleteByID(ctx, id))

	hits, err := s.Search(ctx, "keep me unique", 5, "")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestRebuildIndexRestoresAfterReopen(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.txt")
	dbPath := filepath.Join(dir, "personal.db")
	ctx := context.Background()

	s, err := Open(ctx, dbPath, queuePath, fakeLLM{embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = s.Add(ctx, "persisted note", "misc", nil, AddOptions{SkipQueue: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, dbPath, queuePath, fakeLLM{embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	defer reopened.Close()

	hits, err := reopened.Search(ctx, "persisted note", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
}
