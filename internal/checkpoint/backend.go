// Package checkpoint tracks and persists the ingestion resume position.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrWriteFailed    = errors.New("checkpoint write failed")
)

// Checkpoint is the persisted resume position. Resuming is inclusive: the
// feed is asked for every event with a timestamp at or after Timestamp.
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Backend loads and saves the checkpoint. Load returns nil when nothing has
// been saved yet.
type Backend interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

type MemoryBackend struct {
	mu    sync.Mutex
	saved *Checkpoint
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(context.Context) (*Checkpoint, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saved == nil {
		return nil, nil
	}
	cp := *b.saved
	return &cp, nil
}

func (b *MemoryBackend) Save(_ context.Context, cp Checkpoint) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saved = &cp
	return nil
}

// FileBackend stores the checkpoint as JSON, replacing the file atomically.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load(context.Context) (*Checkpoint, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", b.Path, err)
	}
	return &cp, nil
}

func (b *FileBackend) Save(_ context.Context, cp Checkpoint) error {
	if b == nil || b.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		return err
	}
	committed = true
	return nil
}

const (
	postgresCheckpointTableName = "lineage_checkpoint"
	postgresCheckpointKey       = "default"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresBackend struct {
	dsn       string
	tableName string
	key       string
	openDB    sqlOpenFunc

	// initMu guards db until the first successful init; a failed init is
	// retried on the next call.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresCheckpointTableName,
		key:       postgresCheckpointKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context) (*Checkpoint, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT position, updated_at FROM %s WHERE checkpoint_key = $1", quoteIdentifier(b.tableName))
	var cp Checkpoint
	err := b.db.QueryRowContext(ctx, query, b.key).Scan(&cp.Timestamp, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Timestamp = cp.Timestamp.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

// Save never moves the stored position backwards.
func (b *PostgresBackend) Save(ctx context.Context, cp Checkpoint) error {
	if b == nil {
		return nil
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (checkpoint_key, position, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (checkpoint_key)
		DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
		WHERE %[1]s.position <= EXCLUDED.position`, quoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, b.key, cp.Timestamp.UTC(), cp.UpdatedAt.UTC())
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.db != nil {
		return nil
	}
	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			checkpoint_key TEXT PRIMARY KEY,
			position TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, quoteIdentifier(b.tableName))
	if _, err := db.ExecContext(initCtx, query); err != nil {
		_ = db.Close()
		return err
	}
	b.db = db
	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

type BackendFactory func(dsn string) (Backend, error)

// Registry maps DSN schemes to checkpoint backend factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]BackendFactory{}}
}

func (r *Registry) Register(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if r == nil || scheme == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

func (r *Registry) lookup(scheme string) (BackendFactory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[scheme]
	return factory, ok
}

// Build opens the backend named by dsn. Registered schemes take precedence
// over the built-in memory, file and postgres schemes.
func (r *Registry) Build(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := r.lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: checkpoint backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
