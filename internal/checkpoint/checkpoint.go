// Package checkpoint implements the durable per-dataset marker answering
// "does the accelerator already hold a trustworthy snapshot from a prior
// lifecycle?" Grounded on internal/duckdb_conn.go's DSN handling
// (cfg.DBPath == "" => in-memory, else a file path), generalized here
// from "pick a connection mode" to "does a prior file exist at all".
package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Store answers whether a dataset's accelerator already holds valid data
// from a prior process lifecycle, and records a new checkpoint once a
// refresh succeeds. Contents are opaque; only existence matters.
type Store interface {
	Exists(dataset string) (bool, error)
	Mark(dataset string) error
}

// MemoryStore is used by in-memory accelerators, which ignore checkpoints
// entirely; Exists always reports false since a process restart always
// loses in-memory state.
type MemoryStore struct {
	mu     sync.Mutex
	marked map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marked: make(map[string]time.Time)}
}

func (m *MemoryStore) Exists(dataset string) (bool, error) {
	return false, nil
}

func (m *MemoryStore) Mark(dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[dataset] = time.Now()
	return nil
}

// FileStore persists a marker file per dataset under Dir, holding the
// RFC3339 time it was marked, used
// by file-mode accelerators (DuckDB file engine, parquet-backed
// checkpoints) that genuinely survive a restart.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (f *FileStore) path(dataset string) string {
	return filepath.Join(f.Dir, sanitize(dataset)+".checkpoint")
}

func (f *FileStore) Exists(dataset string) (bool, error) {
	_, err := os.Stat(f.path(dataset))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *FileStore) Mark(dataset string) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path(dataset), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// PostgresStore persists checkpoints in a shared table, for deployments
// running more than one fedacceld process against the same accelerated
// catalog (a FileStore's markers don't cross machines). Uses lib/pq as
// the database/sql driver rather than pgx, the same driver name the cdc
// flusher opens its lock/mark connection with.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn (a "postgres://..." connection string) and
// ensures the checkpoint table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open postgres: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fedaccel_checkpoints (
		dataset TEXT PRIMARY KEY,
		marked_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Exists(dataset string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM fedaccel_checkpoints WHERE dataset = $1)`, dataset).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checkpoint: query %q: %w", dataset, err)
	}
	return exists, nil
}

func (p *PostgresStore) Mark(dataset string) error {
	_, err := p.db.Exec(`INSERT INTO fedaccel_checkpoints (dataset, marked_at) VALUES ($1, $2)
		ON CONFLICT (dataset) DO UPDATE SET marked_at = EXCLUDED.marked_at`, dataset, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("checkpoint: mark %q: %w", dataset, err)
	}
	return nil
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
