package intentdetector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestDetectRegexFastPath(t *testing.T) {
	d := New(nil, nil)
	det := d.Detect(context.Background(), "hello")
	require.Equal(t, "chat", det.Intent)
	require.Equal(t, SourceRegex, det.Source)
}

func TestDetectEmbeddingMatchAboveThreshold(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"search the web for go tutorials": {1, 0, 0},
		"find information about golang":   {1, 0, 0},
	}}
	examples := []Example{
		{Intent: "research", Strategy: "proactive", Text: "search the web for go tutorials"},
	}
	d := New(embedder, examples)

	det := d.Detect(context.Background(), "find information about golang")
	require.Equal(t, "research", det.Intent)
	require.Equal(t, "proactive", det.Strategy)
	require.Equal(t, SourceEmbedding, det.Source)
}

func TestDetectFallsBackToUnknownBelowThreshold(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"search the web for go tutorials": {1, 0, 0},
		"completely unrelated query":      {0, 1, 0},
	}}
	examples := []Example{
		{Intent: "research", Strategy: "proactive", Text: "search the web for go tutorials"},
	}
	d := New(embedder, examples)

	det := d.Detect(context.Background(), "completely unrelated query")
	require.Equal(t, "unknown", det.Intent)
	require.Equal(t, SourceDefault, det.Source)
}

func TestDetectWithNoExamplesReturnsDefault(t *testing.T) {
	d := New(nil, nil)
	det := d.Detect(context.Background(), "do something obscure")
	require.Equal(t, "unknown", det.Intent)
	require.Equal(t, SourceDefault, det.Source)
}
