// Package sqlite implements the storage contract on SQLite using the
// pure-Go ncruces driver, so the binary needs no cgo toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/jpicklyk/task-orchestrator/internal/storage"
	"github.com/jpicklyk/task-orchestrator/internal/types"
)

// Store implements storage.Store on a single SQLite database file.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// setupWASMCache points the driver's wazero runtime at a filesystem
// compilation cache so the SQLite WASM module is not re-JITed on every
// process start. Falls back to an in-memory cache if the cache dir cannot
// be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "task-orchestrator", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New opens (creating if needed) the database at path and initializes the
// schema. Pass ":memory:" for an in-process database, used by tests.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	switch {
	case path == ":memory:":
		// Shared cache so every pooled connection sees the same data. WAL
		// does not apply to in-memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are per-connection without a single shared
		// connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus concurrent readers; cap the pool so
		// write contention does not pile goroutines onto the busy handler.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := checkSchemaVersion(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if absPath, err = filepath.Abs(path); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// checkSchemaVersion refuses to touch databases written by a newer layout.
func checkSchemaVersion(ctx context.Context, db *sql.DB) error {
	var version string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("database schema version %s is not supported (want %s)", version, schemaVersion)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// now returns the timestamp written into created/modified columns.
// Truncated to milliseconds to match the driver's sqlite time format.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Store-level reads delegate to the shared query helpers over the pool.

func (s *Store) GetItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return getItem(ctx, s.db, id)
}

func (s *Store) GetItems(ctx context.Context, ids []string) ([]*types.WorkItem, error) {
	return getItems(ctx, s.db, ids)
}

func (s *Store) GetChildren(ctx context.Context, parentID string) ([]*types.WorkItem, error) {
	return getChildren(ctx, s.db, parentID)
}

func (s *Store) GetDescendants(ctx context.Context, rootID string) ([]*types.WorkItem, error) {
	return getDescendants(ctx, s.db, rootID)
}

func (s *Store) SearchItems(ctx context.Context, filter types.ItemFilter, sort types.Sort, limit, offset int) ([]*types.WorkItem, error) {
	return searchItems(ctx, s.db, filter, sort, limit, offset)
}

func (s *Store) Overview(ctx context.Context, itemID string) (*storage.OverviewResult, error) {
	return overview(ctx, s.db, itemID)
}

func (s *Store) GetNote(ctx context.Context, id string) (*types.Note, error) {
	return getNote(ctx, s.db, id)
}

func (s *Store) GetNoteByKey(ctx context.Context, itemID, key string) (*types.Note, error) {
	return getNoteByKey(ctx, s.db, itemID, key)
}

func (s *Store) ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error) {
	return listNotes(ctx, s.db, filter)
}

func (s *Store) GetDependency(ctx context.Context, id string) (*types.Dependency, error) {
	return getDependency(ctx, s.db, id)
}

func (s *Store) EdgesTouching(ctx context.Context, itemID string) ([]*types.Dependency, error) {
	return edgesTouching(ctx, s.db, itemID)
}

func (s *Store) AllEdges(ctx context.Context) ([]*types.Dependency, error) {
	return allEdges(ctx, s.db)
}

func (s *Store) TransitionsForItem(ctx context.Context, itemID string, limit int) ([]*types.TransitionRecord, error) {
	return transitionsForItem(ctx, s.db, itemID, limit)
}

func (s *Store) TransitionsSince(ctx context.Context, since time.Time, limit int) ([]*types.TransitionRecord, error) {
	return transitionsSince(ctx, s.db, since, limit)
}

func (s *Store) ItemsChangedSince(ctx context.Context, since time.Time) ([]*types.WorkItem, error) {
	return itemsChangedSince(ctx, s.db, since)
}
