// Package persona implements the PII-redacted trait store (spec §4.4).
package persona

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/semih2482/cortex/internal/llm"
)

// Trait is one persisted persona trait (spec §3 PersonaTrait).
type Trait struct {
	ID        string
	Text      string
	Timestamp time.Time
}

// AddOutcome describes what happened to one candidate trait.
type AddOutcome struct {
	Text      string
	Added     bool
	Reason    string // "" on success; "duplicate" | "too_similar" | "invalid_length"
	Collision string // colliding trait text, set when Reason == "too_similar"
}

var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),                          // phone
	regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),        // email
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),                                // IPv4
	regexp.MustCompile(`\b\d{6,}\b`),                                                 // long digit PIN
}

var piiTags = []string{"[REDACTED_PHONE]", "[REDACTED_EMAIL]", "[REDACTED_IP]", "[REDACTED_NUMBER]"}

// RedactPII replaces recognised PII substrings with tagged placeholders.
func RedactPII(text string) string {
	out := text
	for i, pattern := range piiPatterns {
		out = pattern.ReplaceAllString(out, piiTags[i])
	}
	return out
}

// Store is the PersonaStore.
type Store struct {
	mu             sync.Mutex
	db             *sql.DB
	llm            llm.Client
	dedupThreshold float64
	retention      time.Duration
	gcm            cipher.AEAD // nil when encryption-at-rest is not configured
}

// Config configures a Store.
type Config struct {
	DedupThreshold float64       // default 0.82
	Retention      time.Duration // default 365 days
	EncryptionKey  []byte        // optional, 16/24/32 bytes for AES-128/192/256
}

// Open opens (creating if needed) the SQLite-backed persona store.
func Open(ctx context.Context, path string, client llm.Client, cfg Config) (*Store, error) {
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.82
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 365 * 24 * time.Hour
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persona: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS traits (
	id TEXT PRIMARY KEY,
	trait TEXT NOT NULL,
	embedding BLOB NOT NULL,
	source_text BLOB,
	timestamp TIMESTAMP NOT NULL
);
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persona: init schema: %w", err)
	}

	s := &Store{db: db, llm: client, dedupThreshold: cfg.DedupThreshold, retention: cfg.Retention}
	if len(cfg.EncryptionKey) > 0 {
		block, err := aes.NewCipher(cfg.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("persona: init encryption: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("persona: init encryption: %w", err)
		}
		s.gcm = gcm
	}
	return s, nil
}

// AddTrait redacts PII, rejects exact and near-duplicate text, and persists
// the trait, optionally encrypting source at rest (spec §4.4).
func (s *Store) AddTrait(ctx context.Context, text, source string) (AddOutcome, error) {
	redacted := RedactPII(strings.TrimSpace(text))
	if redacted == "" {
		return AddOutcome{Text: text, Reason: "invalid_length"}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exact int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traits WHERE trait = ?`, redacted).Scan(&exact); err != nil {
		return AddOutcome{}, err
	}
	if exact > 0 {
		return AddOutcome{Text: redacted, Reason: "duplicate"}, nil
	}

	emb, err := s.llm.Embed(ctx, redacted)
	if err != nil {
		return AddOutcome{}, fmt.Errorf("persona: embed: %w", err)
	}

	existing, err := s.allTraitEmbeddings(ctx)
	if err != nil {
		return AddOutcome{}, err
	}
	for _, e := range existing {
		if cosineSimilarity(emb, e.embedding) > s.dedupThreshold {
			return AddOutcome{Text: redacted, Reason: "too_similar", Collision: e.trait}, nil
		}
	}

	sourceBlob, err := s.encodeSource(source)
	if err != nil {
		return AddOutcome{}, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO traits(id, trait, embedding, source_text, timestamp) VALUES (?,?,?,?,?)`,
		id, redacted, encodeEmbedding(emb), sourceBlob, now)
	if err != nil {
		return AddOutcome{}, err
	}

	return AddOutcome{Text: redacted, Added: true}, nil
}

type embeddedTrait struct {
	trait     string
	embedding []float32
}

func (s *Store) allTraitEmbeddings(ctx context.Context) ([]embeddedTrait, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trait, embedding FROM traits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []embeddedTrait
	for rows.Next() {
		var trait string
		var blob []byte
		if err := rows.Scan(&trait, &blob); err != nil {
			return nil, err
		}
		out = append(out, embeddedTrait{trait: trait, embedding: decodeEmbedding(blob)})
	}
	return out, rows.Err()
}

// ExtractAndAddFromMessage prompts the LLM for 3-6 short trait phrases and
// runs each through AddTrait.
func (s *Store) ExtractAndAddFromMessage(ctx context.Context, message string) ([]AddOutcome, error) {
	resp, err := s.llm.Complete(ctx, llm.Request{
		Prompt: fmt.Sprintf("List 3 to 6 short personality or preference traits (2-150 characters each) implied by this message, comma separated, no explanations:\n\n%s", message),
		MaxTokens: 128,
	})
	if err != nil {
		return nil, fmt.Errorf("persona: extract traits: %w", err)
	}

	var outcomes []AddOutcome
	for _, candidate := range strings.Split(resp, ",") {
		trimmed := strings.TrimSpace(candidate)
		if len(trimmed) < 2 || len(trimmed) > 150 {
			continue
		}
		outcome, err := s.AddTrait(ctx, trimmed, message)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// SummarizePersona produces a 2-4 sentence summary of the 40 most recent
// traits, bounded by maxChars.
func (s *Store) SummarizePersona(ctx context.Context, maxChars int) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trait FROM traits ORDER BY timestamp DESC LIMIT 40`)
	if err != nil {
		return "", err
	}
	var traits []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return "", err
		}
		traits = append(traits, t)
	}
	rows.Close()
	if len(traits) == 0 {
		return "", nil
	}

	resp, err := s.llm.Complete(ctx, llm.Request{
		Prompt: fmt.Sprintf("In 2 to 4 sentences, under %d characters, summarize this person based on these traits:\n- %s", maxChars, strings.Join(traits, "\n- ")),
		MaxTokens: maxChars / 3,
	})
	if err != nil {
		return "", fmt.Errorf("persona: summarize: %w", err)
	}
	if len(resp) > maxChars {
		resp = resp[:maxChars]
	}
	return resp, nil
}

// PurgeOld deletes traits older than the configured retention.
func (s *Store) PurgeOld(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM traits WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) encodeSource(source string) ([]byte, error) {
	if s.gcm == nil {
		return []byte(source), nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("persona: generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, []byte(source), nil), nil
}

func (s *Store) decodeSource(blob []byte) (string, error) {
	if s.gcm == nil {
		return string(blob), nil
	}
	ns := s.gcm.NonceSize()
	if len(blob) < ns {
		return "", errors.New("persona: ciphertext too short")
	}
	nonce, cipherText := blob[:ns], blob[ns:]
	plain, err := s.gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", fmt.Errorf("persona: decrypt source: %w", err)
	}
	return string(plain), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
