package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"chunkfs/internal/database/migrations"
	"chunkfs/internal/vfs"
)

// maxTxRetries bounds reruns of a transaction that lost a conflict.
const maxTxRetries = 5

// errSiblingRace marks a unique violation hit while auto-creating a parent
// directory that a concurrent transaction created first. The transaction is
// rerun and will find the directory.
var errSiblingRace = errors.New("concurrent sibling insert")

// Store implements vfs.Store on SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	dialect *dialect
	path    string
}

var _ vfs.Store = (*Store)(nil)

// OpenSQLite opens a SQLite database at path, or an in-memory one for ":memory:".
func OpenSQLite(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: sqliteDialect, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection pool.
// This is exported for tools and tests that need a properly configured SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	// Foreign keys are per connection in SQLite, so they go in the DSN.
	// Immediate transactions take the write lock up front instead of
	// failing to upgrade a read lock later.
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps an in-memory
	// database from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// OpenPostgres connects to PostgreSQL with the given DSN.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", vfs.ErrUpstreamUnavailable, err)
	}
	return &Store{db: db, dialect: postgresDialect}, nil
}

// Dialect returns the migration dialect of the store.
func (s *Store) Dialect() string {
	return s.dialect.name
}

// Path returns the SQLite file path, empty for PostgreSQL.
func (s *Store) Path() string {
	return s.path
}

// Migrate brings the schema to the latest version.
func (s *Store) Migrate() error {
	return migrations.MigrateUp(s.db, s.dialect.name)
}

// CheckMigrations fails unless the schema is at the latest version.
func (s *Store) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, s.dialect.name)
}

// SchemaVersion returns the applied schema version and whether it is dirty.
func (s *Store) SchemaVersion() (uint, bool, error) {
	return migrations.Version(s.db, s.dialect.name)
}

// LatestSchemaVersion returns the newest embedded migration version.
func (s *Store) LatestSchemaVersion() (uint, error) {
	return migrations.LatestVersion(s.dialect.name)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries use.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs dialect-rebound statements against a connection or transaction.
type queries struct {
	db   dbtx
	d    *dialect
	lock string // row lock suffix, set inside mutations
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.d.rebind(query), args...)
}

// read returns queries over the pool for single-statement lookups.
func (s *Store) read() *queries {
	return &queries{db: s.db, d: s.dialect}
}

// withTx runs fn in a transaction, rerunning it when the database reports a
// serialization conflict. Errors are mapped to vfs kinds on the way out.
func (s *Store) withTx(ctx context.Context, fn func(q *queries) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	err := backoff.Retry(func() error {
		err := s.runTx(ctx, fn)
		if err != nil && !isRetryable(err) && !errors.Is(err, errSiblingRace) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxTxRetries), ctx))
	return mapError(err)
}

func (s *Store) runTx(ctx context.Context, fn func(q *queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx, d: s.dialect, lock: s.dialect.lockRows}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// mapError turns driver errors that escaped the query layer into vfs kinds.
// Errors that already carry a kind pass through untouched.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSiblingRace):
		return vfs.ErrAlreadyExists
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", vfs.ErrAlreadyExists, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", vfs.ErrNotFound, err)
	case isUnavailable(err):
		return fmt.Errorf("%w: %v", vfs.ErrUpstreamUnavailable, err)
	}
	return err
}
