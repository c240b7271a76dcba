// Package vectorstore implements the episodic memory substrate (spec §4.2):
// durable rows in SQLite plus an in-RAM ANN index keyed by the same ids.
package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	_ "modernc.org/sqlite"

	"github.com/semih2482/cortex/internal/llm"
)

// Record is one episodic memory row (spec §3 MemoryRecord).
type Record struct {
	ID             string
	Content        string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Content   string
	Distance  float32
	CreatedAt time.Time
}

// Store is the durable-rows + in-RAM-ANN episodic store.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	embedder  llm.Client
	dimension int

	collection *chromem.Collection
}

// noopEmbeddingFunc satisfies chromem's EmbeddingFunc signature without
// ever being invoked: every document is added with a precomputed
// embedding, since embedding is this store's own responsibility (spec §4.1).
func noopEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("vectorstore: embeddings must be precomputed, not derived from content")
}

// Open opens (creating if needed) the SQLite-backed store at path and
// rebuilds the in-RAM ANN index from persisted rows, per spec §4.2's
// startup behaviour.
func Open(ctx context.Context, path string, embedder llm.Client) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	dim := embedder.Dimension()
	if err := checkDimension(ctx, db, dim); err != nil {
		db.Close()
		return nil, err
	}

	chromemDB := chromem.NewDB()
	collection, err := chromemDB.CreateCollection("episodic", nil, noopEmbeddingFunc)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore: create ann index: %w", err)
	}

	s := &Store{db: db, embedder: embedder, dimension: dim, collection: collection}
	if err := s.rebuildIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS memories_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`)
	return err
}

// checkDimension refuses to load when the stored dimension disagrees with
// the configured model dimension (spec §4.2 schema error).
func checkDimension(ctx context.Context, db *sql.DB, dim int) error {
	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM memories_meta WHERE key = 'dimension'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.ExecContext(ctx, `INSERT INTO memories_meta(key, value) VALUES ('dimension', ?)`, fmt.Sprintf("%d", dim))
		return err
	}
	if err != nil {
		return fmt.Errorf("vectorstore: read dimension: %w", err)
	}
	if stored != fmt.Sprintf("%d", dim) {
		return fmt.Errorf("vectorstore: schema error, stored dimension %s does not match model dimension %d", stored, dim)
	}
	return nil
}

func (s *Store) rebuildIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, embedding FROM memories`)
	if err != nil {
		return fmt.Errorf("vectorstore: rebuild index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, content string
		var blob []byte
		if err := rows.Scan(&id, &content, &blob); err != nil {
			return err
		}
		emb := decodeEmbedding(blob)
		if err := s.collection.AddDocument(ctx, chromem.Document{ID: id, Content: content, Embedding: emb}); err != nil {
			return fmt.Errorf("vectorstore: rebuild index: %w", err)
		}
	}
	return rows.Err()
}

// Add computes the embedding, persists the row, and inserts it into the
// ANN index. If the index insert fails, the row is rolled back so the
// two never diverge (spec §4.2 atomicity invariant).
func (s *Store) Add(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emb, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("vectorstore: embed: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO memories(id, content, embedding, created_at, last_accessed_at) VALUES (?,?,?,?,?)`,
		id, content, encodeEmbedding(emb), now, now)
	if err != nil {
		tx.Rollback()
		return "", fmt.Errorf("vectorstore: insert row: %w", err)
	}

	if err := s.collection.AddDocument(ctx, chromem.Document{ID: id, Content: content, Embedding: emb}); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("vectorstore: insert index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Search embeds the query, ranks the top-k via the ANN index, hydrates rows
// by id, and batch-updates last_accessed_at for hits.
func (s *Store) Search(ctx context.Context, query string, k int) ([]SearchHit, error) {
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
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}

	n := k
	if n > s.collection.Count() {
		n = s.collection.Count()
	}
	results, err := s.collection.QueryEmbedding(ctx, emb, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}

	hits, err := s.hydrateAndTouch(ctx, ids, results)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (s *Store) hydrateAndTouch(ctx context.Context, ids []string, results []chromem.Result) ([]SearchHit, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]any, len(ids))
	query := "SELECT id, content, created_at FROM memories WHERE id IN ("
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = id
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: hydrate: %w", err)
	}
	defer rows.Close()

	byID := map[string]Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Content, &r.CreatedAt); err != nil {
			return nil, err
		}
		byID[r.ID] = r
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET last_accessed_at = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(ids))
	for i, id := range ids {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		hits = append(hits, SearchHit{
			Content:   rec.Content,
			Distance:  1 - results[i].Similarity,
			CreatedAt: rec.CreatedAt,
		})
	}
	return hits, nil
}

// DeleteByIDs removes the given ids from both the index and the table,
// returning the count actually removed.
func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			removed += int(n)
			_ = s.collection.Delete(ctx, nil, nil, id)
		}
	}
	return removed, nil
}

// DeleteByContent removes every row whose content contains substring.
func (s *Store) DeleteByContent(ctx context.Context, substring string) (int, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories WHERE content LIKE ?`, "%"+substring+"%")
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.Unlock()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	s.mu.Unlock()

	return s.DeleteByIDs(ctx, ids)
}

// GetDocumentsSince returns rows created within the last `days` days, for
// consolidation passes.
func (s *Store) GetDocumentsSince(ctx context.Context, days int) ([]Record, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, created_at, last_accessed_at FROM memories WHERE created_at >= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Content, &r.CreatedAt, &r.LastAccessedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAllDocumentTexts returns every stored content string, for bulk export.
func (s *Store) GetAllDocumentTexts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
