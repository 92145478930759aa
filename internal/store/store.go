// Package store implements DurableStore (spec.md §4.2): a keyed document
// store for tasks, paused-task blobs, resume data, and undelivered updates,
// backed by a single-file SQLite database. Grounded on the teacher's
// internal/sync state.go/migrations.go pattern, generalized from one table
// per domain type to one generic documents table keyed by (collection, id)
// since DurableStore's contract is collection-agnostic.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Collections recognized by the rest of the engine (spec.md §4.2).
const (
	CollectionTasks              = "tasks"
	CollectionPausedTasks        = "pausedTasks"
	CollectionResumeData         = "resumeData"
	CollectionUndeliveredStatus  = "undeliveredStatus"
	CollectionUndeliveredProgress = "undeliveredProgress"
	CollectionMetadata           = "metadata"
)

// walJournalSizeLimit bounds the WAL file size (64 MiB), matching the
// teacher's internal/sync/state.go pragma choice.
const walJournalSizeLimit = 64 * 1024 * 1024

// ErrNotFound is returned by Get when no document exists for the given
// collection/id pair. Per the "reads are best-effort" invariant, a corrupt
// document is also reported via this sentinel rather than a decode error.
var ErrNotFound = errors.New("store: document not found")

// Store is a thread-safe, crash-safe document store. All collection writes
// are serialized by SQLite's own single-writer semantics; the atomic-write
// invariant is satisfied by using a single INSERT...ON CONFLICT statement
// per Store call (never observable as partially written).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	getStmt    *sql.Stmt
	putStmt    *sql.Stmt
	delStmt    *sql.Stmt
	delAllStmt *sql.Stmt
	allStmt    *sql.Stmt
}

// Open creates or opens the SQLite database at path, applies migrations, and
// prepares statements. Use ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: preparing statements: %w", err)
	}

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	return nil
}

func runMigrations(db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: sub-filesystem: %w", err)
	}

	goose.SetLogger(goose.NopLogger())

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(context.Background())
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("store: applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	if s.getStmt, err = s.db.PrepareContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`); err != nil {
		return err
	}

	if s.putStmt, err = s.db.PrepareContext(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
	); err != nil {
		return err
	}

	if s.delStmt, err = s.db.PrepareContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`); err != nil {
		return err
	}

	if s.delAllStmt, err = s.db.PrepareContext(ctx,
		`DELETE FROM documents WHERE collection = ?`); err != nil {
		return err
	}

	if s.allStmt, err = s.db.PrepareContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ?`); err != nil {
		return err
	}

	return nil
}

// Put writes document under (collection, id), replacing any existing value
// atomically (spec.md §4.2 store()).
func (s *Store) Put(ctx context.Context, collection, id string, document []byte, nowMillis int64) error {
	if _, err := s.putStmt.ExecContext(ctx, collection, id, document, nowMillis); err != nil {
		return fmt.Errorf("store: put %s/%s: %w", collection, id, err)
	}

	return nil
}

// Get retrieves the document stored under (collection, id). Returns
// ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var data []byte

	err := s.getStmt.QueryRowContext(ctx, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		// Best-effort reads: a corrupt row is reported as missing, not as an error.
		s.logger.Warn("store: treating unreadable document as missing",
			slog.String("collection", collection), slog.String("id", id), slog.String("error", err.Error()))

		return nil, ErrNotFound
	}

	return data, nil
}

// GetAll retrieves every document in a collection, keyed by id.
func (s *Store) GetAll(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := s.allStmt.QueryContext(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", collection, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)

	for rows.Next() {
		var id string

		var data []byte

		if err := rows.Scan(&id, &data); err != nil {
			s.logger.Warn("store: skipping unreadable row", slog.String("collection", collection), slog.String("error", err.Error()))
			continue
		}

		out[id] = data
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s: %w", collection, err)
	}

	return out, nil
}

// Delete removes a single document. Deleting an absent document is not an
// error (idempotent).
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.delStmt.ExecContext(ctx, collection, id); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", collection, id, err)
	}

	return nil
}

// DeleteCollection removes every document in a collection.
func (s *Store) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := s.delAllStmt.ExecContext(ctx, collection); err != nil {
		return fmt.Errorf("store: delete collection %s: %w", collection, err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
