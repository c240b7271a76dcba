// Package knowledge implements the triplet-based knowledge graph (spec §4.3).
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/semih2482/cortex/internal/llm"
)

// Triplet is one (subject, relation, object) fact.
type Triplet struct {
	Subject        string
	Relation       string
	Object         string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Graph is the triplet store.
type Graph struct {
	mu  sync.Mutex
	db  *sql.DB
	llm llm.Client
}

// Open opens (creating if needed) the SQLite-backed knowledge graph.
func Open(ctx context.Context, path string, client llm.Client) (*Graph, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open db: %w", err)
	}
	// database/sql pools physical connections for us; this satisfies the
	// "per-thread connections" requirement without hand-rolled pooling.
	db.SetMaxOpenConns(4)

	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS triplets (
	subject TEXT NOT NULL,
	relation TEXT NOT NULL,
	object TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	UNIQUE(subject, relation, object)
);
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: init schema: %w", err)
	}

	return &Graph{db: db, llm: client}, nil
}

// AddTriplets bulk-inserts triplets, ignoring conflicts on the
// (subject,relation,object) unique key so the earliest created_at wins.
func (g *Graph) AddTriplets(ctx context.Context, triplets []Triplet) (int, error) {
	if len(triplets) == 0 {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO triplets(subject, relation, object, created_at, last_accessed_at) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, t := range triplets {
		if strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Relation) == "" || strings.TrimSpace(t.Object) == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, t.Subject, t.Relation, t.Object, now, now)
		if err != nil {
			tx.Rollback()
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// Query does a substring match on subject OR object, updating
// last_accessed_at for every returned row.
func (g *Graph) Query(ctx context.Context, keyword string) ([]Triplet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	like := "%" + keyword + "%"
	rows, err := g.db.QueryContext(ctx, `SELECT subject, relation, object, created_at, last_accessed_at FROM triplets WHERE subject LIKE ? OR object LIKE ?`, like, like)
	if err != nil {
		return nil, err
	}
	var out []Triplet
	for rows.Next() {
		var t Triplet
		if err := rows.Scan(&t.Subject, &t.Relation, &t.Object, &t.CreatedAt, &t.LastAccessedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, t := range out {
		_, _ = g.db.ExecContext(ctx, `UPDATE triplets SET last_accessed_at = ? WHERE subject = ? AND relation = ? AND object = ?`, now, t.Subject, t.Relation, t.Object)
	}
	return out, nil
}

var fencedListPattern = regexp.MustCompile(`[A-Za-z0-9_İıĞğŞşÖöÜüÇç]{2,}`)

// QueryAsText asks the LLM for 1-2 keywords relevant to prompt, unions
// their query results, and renders them as "- subject relation object."
// lines (spec §4.3).
func (g *Graph) QueryAsText(ctx context.Context, prompt string) (string, error) {
	keywords, err := g.extractKeywords(ctx, prompt)
	if err != nil || len(keywords) == 0 {
		return "", err
	}

	seen := map[string]bool{}
	var lines []string
	for _, kw := range keywords {
		triplets, err := g.Query(ctx, kw)
		if err != nil {
			continue
		}
		for _, t := range triplets {
			key := t.Subject + "|" + t.Relation + "|" + t.Object
			if seen[key] {
				continue
			}
			seen[key] = true
			lines = append(lines, fmt.Sprintf("- %s %s %s.", t.Subject, t.Relation, t.Object))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (g *Graph) extractKeywords(ctx context.Context, prompt string) ([]string, error) {
	resp, err := g.llm.Complete(ctx, llm.Request{
		Prompt: fmt.Sprintf("Extract 1 or 2 short keywords from the following text that best identify what it is about. Reply with only the keywords, comma separated.\n\nText: %s", prompt),
		MaxTokens: 32,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: extract keywords: %w", err)
	}
	var out []string
	for _, part := range strings.Split(resp, ",") {
		kw := strings.TrimSpace(part)
		if kw != "" && fencedListPattern.MatchString(kw) {
			out = append(out, kw)
		}
		if len(out) >= 2 {
			break
		}
	}
	return out, nil
}

// Close releases the underlying database handle.
func (g *Graph) Close() error {
	return g.db.Close()
}
