// Package personal implements PersonalVectorStore (spec §4.5): topic-tagged
// notes with ANN search plus a persisted research-queue FIFO file.
package personal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	_ "modernc.org/sqlite"

	"github.com/semih2482/cortex/internal/llm"
)

// Note is one persisted personal note (spec §3 PersonalNote).
type Note struct {
	ID             string
	Text           string
	Topic          string
	ExtraMetadata  map[string]string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Note     Note
	Distance float32
}

// Store is the PersonalVectorStore.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	embedder   llm.Client
	collection *chromem.Collection
	queuePath  string
}

func noopEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("personal: embeddings must be precomputed")
}

// Open opens (creating if needed) the store and rebuilds its ANN index.
func Open(ctx context.Context, dbPath, queuePath string, embedder llm.Client) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("personal: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	topic TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_topic ON notes(topic);
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("personal: init schema: %w", err)
	}

	chromemDB := chromem.NewDB()
	collection, err := chromemDB.CreateCollection("personal_notes", nil, noopEmbeddingFunc)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("personal: create ann index: %w", err)
	}

	s := &Store{db: db, embedder: embedder, collection: collection, queuePath: queuePath}
	if err := s.RebuildIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// RebuildIndex rebuilds the ANN index from persisted rows; used at startup
// and whenever the metadata file is edited out-of-band.
func (s *Store) RebuildIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding FROM notes`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, text string
		var blob []byte
		if err := rows.Scan(&id, &text, &blob); err != nil {
			return err
		}
		if err := s.collection.AddDocument(ctx, chromem.Document{ID: id, Content: text, Embedding: decodeEmbedding(blob)}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// AddOptions controls the side effects of Add.
type AddOptions struct {
	SkipQueue bool // used by the proactive assistant writing back already-consumed research
}

// Add persists a note and appends "[topic] text\n" to the research queue
// file unless SkipQueue is set (spec §4.5).
func (s *Store) Add(ctx context.Context, text, topic string, extra map[string]string, opts AddOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("personal: embed: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO notes(id, text, topic, embedding, created_at, last_accessed_at) VALUES (?,?,?,?,?,?)`,
		id, text, topic, encodeEmbedding(emb), now, now)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	if err := s.collection.AddDocument(ctx, chromem.Document{ID: id, Content: text, Embedding: emb}); err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if !opts.SkipQueue {
		if err := s.enqueueResearch(topic, text); err != nil {
			return id, fmt.Errorf("personal: enqueue research: %w", err)
		}
	}
	return id, nil
}

func (s *Store) enqueueResearch(topic, text string) error {
	if s.queuePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.queuePath), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.queuePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s\n", topic, text)
	return err
}

// Search ranks the top-k notes for query, optionally restricted to topic.
func (s *Store) Search(ctx context.Context, query string, k int, topic string) ([]SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collection.Count() == 0 {
		return nil, nil
	}

	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("personal: embed query: %w", err)
	}

	n := k
	if n > s.collection.Count() {
		n = s.collection.Count()
	}
	var where map[string]string
	results, err := s.collection.QueryEmbedding(ctx, emb, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("personal: query: %w", err)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })

	var hits []SearchHit
	for _, r := range results {
		var n Note
		row := s.db.QueryRowContext(ctx, `SELECT id, text, topic, created_at, last_accessed_at FROM notes WHERE id = ?`, r.ID)
		if err := row.Scan(&n.ID, &n.Text, &n.Topic, &n.CreatedAt, &n.LastAccessedAt); err != nil {
			continue
		}
		if topic != "" && n.Topic != topic {
			continue
		}
		hits = append(hits, SearchHit{Note: n, Distance: 1 - r.Similarity})
	}
	return hits, nil
}

// Topics enumerates the distinct topics currently stored.
func (s *Store) Topics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT topic FROM notes ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteByTopic removes every note under topic.
func (s *Store) DeleteByTopic(ctx context.Context, topic string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM notes WHERE topic = ?`, topic)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE topic = ?`, topic); err != nil {
		return 0, err
	}
	for _, id := range ids {
		_ = s.collection.Delete(ctx, nil, nil, id)
	}
	return len(ids), nil
}

// DeleteByID removes a single note by id.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return err
	}
	return s.collection.Delete(ctx, nil, nil, id)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
