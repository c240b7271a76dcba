// Package policy implements the contextual-bandit arm selection used for
// both tool choice and prompt-template choice (spec §4.8), plus the reward
// shaping function that turns turn outcomes into a scalar signal (§4.9).
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// Arm is the persisted per-arm state.
type Arm struct {
	QValue   float64   `json:"q_value"`
	Visits   int       `json:"visits"`
	Centroid []float32 `json:"centroid,omitempty"`
}

type fileFormat struct {
	Arms map[string]*Arm `json:"arms"`
}

// Embedder produces a context embedding for similarity scoring. Selection
// degrades to pure q_value ranking when it is nil or returns an error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// UpdateRule selects how QValue and Centroid move on Update; tool and
// prompt policies use different running-average constants (spec §4.8).
type UpdateRule struct {
	// QValueAlpha, when > 0, uses Q += alpha*(reward-Q) (prompt policy).
	// When 0, uses the running-average form Q += (reward-Q)/visits (tool policy).
	QValueAlpha float64
	// QValueFloor clamps the updated Q-value from below; 0 disables it.
	QValueFloor float64
	// CentroidAlpha is the EMA factor for the context centroid.
	CentroidAlpha float64
}

// DefaultToolUpdateRule matches the original tool_policy.py running average.
var DefaultToolUpdateRule = UpdateRule{CentroidAlpha: 0.2}

// DefaultPromptUpdateRule matches the original prompt_policy.py Q-learning
// update with a floor of -1.0.
var DefaultPromptUpdateRule = UpdateRule{QValueAlpha: 0.1, QValueFloor: -1.0, CentroidAlpha: 0.05}

// Bandit is a persistent epsilon-greedy contextual bandit over a fixed set
// of named arms (spec §4.8).
type Bandit struct {
	mu       sync.Mutex
	path     string
	epsilon  float64
	beta     float64
	rule     UpdateRule
	embedder Embedder
	arms     map[string]*Arm
	rng      *rand.Rand
}

// Options configures a new Bandit.
type Options struct {
	Epsilon  float64 // default 0.2
	Beta     float64 // similarity weight, default 1.0
	Rule     UpdateRule
	Embedder Embedder
}

// Open loads persisted arm state from path (missing or corrupt files
// initialise empty state, per spec §4.8) and seeds any arm name in arms
// that is not yet present.
func Open(path string, arms []string, opts Options) (*Bandit, error) {
	if opts.Epsilon <= 0 {
		opts.Epsilon = 0.2
	}
	if opts.Beta <= 0 {
		opts.Beta = 1.0
	}

	b := &Bandit{
		path:     path,
		epsilon:  opts.Epsilon,
		beta:     opts.Beta,
		rule:     opts.Rule,
		embedder: opts.Embedder,
		arms:     map[string]*Arm{},
		rng:      rand.New(rand.NewSource(1)),
	}

	if data, err := os.ReadFile(path); err == nil {
		var ff fileFormat
		if err := json.Unmarshal(data, &ff); err == nil && ff.Arms != nil {
			b.arms = ff.Arms
		}
	}

	for _, name := range arms {
		if _, ok := b.arms[name]; !ok {
			b.arms[name] = &Arm{}
		}
	}
	return b, nil
}

// ErrNoArms is returned when Select is called with no registered arms.
var ErrNoArms = errors.New("policy: no arms registered")

// Selection is the result of a Select call.
type Selection struct {
	Arm      string
	Score    float64
	Explored bool // true when the epsilon-random branch fired
}

// Select chooses an arm. With probability epsilon it explores uniformly at
// random; otherwise it ranks q_value + beta*cosine(context, centroid),
// falling back to pure q_value ranking when context is empty or no arm has
// a centroid yet (spec §4.8).
func (b *Bandit) Select(ctx context.Context, context_ string) (Selection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.arms) == 0 {
		return Selection{}, ErrNoArms
	}

	names := make([]string, 0, len(b.arms))
	for name := range b.arms {
		names = append(names, name)
	}

	if b.rng.Float64() < b.epsilon {
		choice := names[b.rng.Intn(len(names))]
		return Selection{Arm: choice, Score: b.arms[choice].QValue, Explored: true}, nil
	}

	var ctxEmb []float32
	anyCentroid := false
	for _, a := range b.arms {
		if a.Centroid != nil {
			anyCentroid = true
			break
		}
	}
	if context_ != "" && anyCentroid && b.embedder != nil {
		if emb, err := b.embedder.Embed(ctx, context_); err == nil {
			ctxEmb = emb
		}
	}

	best := ""
	bestScore := math.Inf(-1)
	for _, name := range names {
		arm := b.arms[name]
		score := arm.QValue
		if ctxEmb != nil {
			score += b.beta * cosineSimilarity(ctxEmb, arm.Centroid)
		}
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	return Selection{Arm: best, Score: bestScore}, nil
}

// Update applies the reward to arm, moving its q_value and context centroid
// per the configured UpdateRule, then persists the full state (spec §4.8).
func (b *Bandit) Update(ctx context.Context, arm string, reward float64, contextEmbedding []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arms[arm]
	if !ok {
		a = &Arm{}
		b.arms[arm] = a
	}
	a.Visits++

	if b.rule.QValueAlpha > 0 {
		a.QValue = a.QValue + b.rule.QValueAlpha*(reward-a.QValue)
		if b.rule.QValueFloor != 0 && a.QValue < b.rule.QValueFloor {
			a.QValue = b.rule.QValueFloor
		}
	} else {
		a.QValue = a.QValue + (reward-a.QValue)/float64(a.Visits)
	}

	if contextEmbedding != nil {
		if a.Centroid == nil {
			a.Centroid = contextEmbedding
		} else {
			alpha := b.rule.CentroidAlpha
			if alpha <= 0 {
				alpha = 0.2
			}
			a.Centroid = emaBlend(a.Centroid, contextEmbedding, alpha)
		}
	}

	return b.save()
}

// UpdateWithText embeds context via the configured Embedder before updating.
func (b *Bandit) UpdateWithText(ctx context.Context, arm string, reward float64, contextText string) error {
	var emb []float32
	if contextText != "" && b.embedder != nil {
		e, err := b.embedder.Embed(ctx, contextText)
		if err == nil {
			emb = e
		}
	}
	return b.Update(ctx, arm, reward, emb)
}

func (b *Bandit) save() error {
	if b.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fileFormat{Arms: b.arms}, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func emaBlend(old, next []float32, alpha float64) []float32 {
	n := len(old)
	if len(next) < n {
		n = len(next)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32((1-alpha)*float64(old[i]) + alpha*float64(next[i]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(normA)*math.Sqrt(normB) + 1e-10)
}
