// Package store persists embedding vectors in SQLite so repeated texts are
// not re-embedded across processes.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Vector is one stored embedding.
type Vector struct {
	Key       string
	Model     string
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// Match is a search result.
type Match struct {
	Vector
	Score float64
}

// Store wraps a SQLite database holding embeddings keyed by text hash.
type Store struct {
	db      *sql.DB
	getStmt *sql.Stmt
	putStmt *sql.Stmt
	mu      sync.RWMutex
}

// Open opens (and initializes) a SQLite database file for embeddings.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is required")
	}

	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: failed to ensure directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	getStmt, err := db.Prepare(`SELECT model, text, vector, created_at FROM embeddings WHERE key = ?`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to prepare select statement: %w", err)
	}

	putStmt, err := db.Prepare(`
		INSERT INTO embeddings (key, model, text, dim, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			model = excluded.model,
			text = excluded.text,
			dim = excluded.dim,
			vector = excluded.vector,
			created_at = excluded.created_at`)
	if err != nil {
		getStmt.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to prepare insert statement: %w", err)
	}

	return &Store{db: db, getStmt: getStmt, putStmt: putStmt}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("store: failed to configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embeddings (
			key TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			text TEXT NOT NULL,
			dim INTEGER NOT NULL,
			vector BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);
	`); err != nil {
		return fmt.Errorf("store: failed to create embeddings table: %w", err)
	}
	return nil
}

// Get returns the vector stored under key.
func (s *Store) Get(ctx context.Context, key string) (Vector, bool, error) {
	if s == nil || s.db == nil {
		return Vector{}, false, errors.New("store: not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		v       = Vector{Key: key}
		blob    []byte
		created int64
	)
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&v.Model, &v.Text, &blob, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Vector{}, false, nil
	}
	if err != nil {
		return Vector{}, false, fmt.Errorf("store: failed to read %q: %w", key, err)
	}
	v.Embedding = bytesToFloat32Slice(blob)
	v.CreatedAt = time.Unix(created, 0)
	return v, true, nil
}

// Put stores or replaces a vector.
func (s *Store) Put(ctx context.Context, v Vector) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	if v.Key == "" {
		return errors.New("store: key must not be empty")
	}
	if len(v.Embedding) == 0 {
		return errors.New("store: embedding must not be empty")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.putStmt.ExecContext(ctx, v.Key, v.Model, v.Text, len(v.Embedding),
		float32SliceToBytes(v.Embedding), v.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("store: failed to write %q: %w", v.Key, err)
	}
	return nil
}

// Search returns the limit vectors of model most similar to query by cosine
// similarity, best first.
func (s *Store) Search(ctx context.Context, model string, query []float32, limit int) ([]Match, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: not initialized")
	}
	if limit <= 0 {
		limit = 5
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, text, vector, created_at FROM embeddings WHERE model = ? AND dim = ?`, model, len(query))
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("store: search failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m       = Match{Vector: Vector{Model: model}}
			blob    []byte
			created int64
		)
		if err := rows.Scan(&m.Key, &m.Text, &blob, &created); err != nil {
			return nil, fmt.Errorf("store: search scan failed: %w", err)
		}
		m.Embedding = bytesToFloat32Slice(blob)
		m.CreatedAt = time.Unix(created, 0)
		m.Score = cosine(query, m.Embedding)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search failed: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Len returns the number of stored vectors.
func (s *Store) Len(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count failed: %w", err)
	}
	return n, nil
}

// Prune keeps the keepLast most recent vectors and deletes the rest.
func (s *Store) Prune(ctx context.Context, keepLast int) error {
	if s == nil || s.db == nil {
		return errors.New("store: not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE key NOT IN (
			SELECT key FROM embeddings ORDER BY created_at DESC, key LIMIT ?
		)`, keepLast); err != nil {
		return fmt.Errorf("store: prune failed: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, stmt := range []*sql.Stmt{s.getStmt, s.putStmt} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.getStmt = nil
	s.putStmt = nil
	s.db = nil
	return firstErr
}

func float32SliceToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32Slice(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
