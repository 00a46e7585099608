// Package store is the local embedded database of the sync engine.
//
// Every domain table carries the same bookkeeping columns next to its entity
// columns:
//
//   - local_id: client generated primary key, stable for the life of the row
//   - server_id: identifier assigned by the server, NULL until the first push
//   - is_dirty: set by every local write, cleared once the server acknowledged it
//   - rev: incremented by every local write, used to detect edits made while a
//     push was in flight
//   - pending_delete: the row was deleted locally and the delete is still queued
//
// All writes run inside a transaction opened with InTx. The change tracker
// runs inside the same transaction, so a write and its bookkeeping commit or
// roll back together. The outbound queue (package queue) lives in the same
// database file and joins the same transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when no row matches
	ErrNotFound = errors.New("record not found")
	// ErrDeleted is returned for local writes to a row whose delete is pending
	ErrDeleted = errors.New("record is pending deletion")
)

// Store is the local SQLite database
type Store struct {
	db      *sqlx.DB
	path    string
	tracker *Tracker
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator overrides local id generation
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.tracker.newID = gen
	}
}

// Open opens (or creates) the database at path and applies pending migrations
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &Store{
		db:   db,
		path: path,
		now:  time.Now,
	}
	s.tracker = &Tracker{
		now:   func() time.Time { return s.now() },
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("local store opened", "path", path)
	return s, nil
}

// Migrate applies all pending schema migrations
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db.DB, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Queryer exposes the database for read-only queries outside a transaction
func (s *Store) Queryer() sqlx.QueryerContext {
	return s.db
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Now returns the store clock in epoch milliseconds
func (s *Store) Now() int64 {
	return s.now().UnixMilli()
}

// Tx is a store transaction. The embedded sqlx.Tx lets other packages that
// share the database file (the outbound queue) join the same transaction.
type Tx struct {
	*sqlx.Tx
	store *Store
}

// Now returns the store clock in epoch milliseconds
func (tx *Tx) Now() int64 {
	return tx.store.Now()
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back on error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back transaction", "error", rbErr)
			}
		}
	}()

	if err := fn(&Tx{Tx: sqlTx, store: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
