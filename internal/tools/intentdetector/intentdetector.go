// Package intentdetector grounds the FAST_CHAT state's {intent, source}
// decision (spec §4.11, E2E scenario 2), grounded in
// original_source/agent/tools/intent_detector.py: a regex fast path for
// simple greetings, then embedding-similarity matching against labelled
// example utterances, falling back to "unknown" below a confidence
// threshold so the main controller takes over.
package intentdetector

import (
	"context"
	"math"
	"regexp"
)

// Source records how a Detection was produced.
type Source string

const (
	SourceRegex    Source = "regex"
	SourceEmbedding Source = "embedding"
	SourceDefault  Source = "default"
)

// Detection is the {intent, strategy, confidence, source} tuple the
// controller's FAST_CHAT state branches on.
type Detection struct {
	Intent     string
	Strategy   string
	Confidence float64
	Source     Source
}

// Example is one labelled training utterance for an intent.
type Example struct {
	Intent   string
	Strategy string
	Text     string
}

// Embedder is the subset of llm.Services this package needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const confidenceThreshold = 0.70

var chatPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good morning|good evening|good afternoon|how are you)\s*[.!?]?\s*$`)

// Detector classifies user input into an intent/strategy pair.
type Detector struct {
	embedder   Embedder
	examples   []Example
	embeddings [][]float32 // parallel to examples, lazily populated by Prepare
}

// New constructs a Detector over a fixed example set.
func New(embedder Embedder, examples []Example) *Detector {
	return &Detector{embedder: embedder, examples: examples}
}

// Prepare precomputes example embeddings; call once at startup. Detect also
// works without calling Prepare first but recomputes embeddings every call.
func (d *Detector) Prepare(ctx context.Context) error {
	d.embeddings = make([][]float32, len(d.examples))
	for i, ex := range d.examples {
		emb, err := d.embedder.Embed(ctx, ex.Text)
		if err != nil {
			continue
		}
		d.embeddings[i] = emb
	}
	return nil
}

// Detect classifies userInput (spec §4.11 FAST_CHAT).
func (d *Detector) Detect(ctx context.Context, userInput string) Detection {
	if chatPattern.MatchString(userInput) {
		return Detection{Intent: "chat", Strategy: "reactive", Confidence: 0.95, Source: SourceRegex}
	}

	if len(d.examples) == 0 || d.embedder == nil {
		return Detection{Intent: "unknown", Strategy: "reactive", Confidence: 0.1, Source: SourceDefault}
	}

	if d.embeddings == nil {
		_ = d.Prepare(ctx)
	}

	queryEmb, err := d.embedder.Embed(ctx, userInput)
	if err != nil {
		return Detection{Intent: "unknown", Strategy: "reactive", Confidence: 0.3, Source: SourceDefault}
	}

	bestIntent, bestStrategy, bestScore := "", "", -1.0
	for i, ex := range d.examples {
		if i >= len(d.embeddings) || d.embeddings[i] == nil {
			continue
		}
		score := cosineSimilarity(queryEmb, d.embeddings[i])
		if score > bestScore {
			bestIntent, bestStrategy, bestScore = ex.Intent, ex.Strategy, score
		}
	}

	if bestScore > confidenceThreshold {
		return Detection{Intent: bestIntent, Strategy: bestStrategy, Confidence: bestScore, Source: SourceEmbedding}
	}
	return Detection{Intent: "unknown", Strategy: "reactive", Confidence: 0.3, Source: SourceDefault}
}

// DefaultExamples seeds the detector with a small labelled set mirroring the
// shape of the original implementation's intents.json (name/strategy/examples),
// distinguishing single-lookup reactive intents from multi-step proactive
// ones that should go through the Planner.
func DefaultExamples() []Example {
	return []Example{
		{Intent: "research", Strategy: "proactive", Text: "find out everything you can about the new tax law and summarize it"},
		{Intent: "research", Strategy: "proactive", Text: "research the best database for a high write throughput service and report back"},
		{Intent: "task", Strategy: "proactive", Text: "plan out the steps to migrate our service to a new cloud provider"},
		{Intent: "recall", Strategy: "reactive", Text: "what do you remember about my favorite programming language"},
		{Intent: "note", Strategy: "reactive", Text: "remember that my meeting is on Friday"},
		{Intent: "lookup", Strategy: "reactive", Text: "what is the capital of France"},
	}
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom < 1e-10 {
		return 0
	}
	return dot / denom
}
