package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Options configures how the store opens its database.
type Options struct {
	Dialect Dialect
	// Path is the SQLite database file (sqlite dialect).
	Path string
	// DSN is the connection string (postgres dialect).
	DSN string
	// MaxReadConns bounds the read connection pool. Defaults to 4.
	MaxReadConns int
}

// Store is the participant store. Writes go through a dedicated
// connection pool (a single connection for SQLite, which allows only
// one writer); reads go through a separate pool whose transactions see
// a consistent snapshot.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	dialect Dialect
	locks   *LockManager
}

// Open opens the store, creating the schema if needed.
func Open(opts Options) (*Store, error) {
	if !opts.Dialect.Valid() {
		return nil, fmt.Errorf("store: unsupported dialect %q", opts.Dialect)
	}
	if opts.MaxReadConns <= 0 {
		opts.MaxReadConns = 4
	}

	var writeDB, readDB *sql.DB
	var err error

	switch opts.Dialect {
	case DialectSQLite:
		// Write connection: single writer with WAL mode
		writeDB, err = sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("store: failed to open database: %w", err)
		}
		writeDB.SetMaxOpenConns(1)
		writeDB.SetMaxIdleConns(1)

		// Read connection pool: concurrent readers via read-only mode;
		// each read transaction holds a WAL snapshot.
		readDB, err = sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("store: failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(opts.MaxReadConns)
		readDB.SetMaxIdleConns(opts.MaxReadConns)
		readDB.SetConnMaxLifetime(5 * time.Minute)

	case DialectPostgres:
		writeDB, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open database: %w", err)
		}
		writeDB.SetMaxOpenConns(4)

		readDB, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("store: failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(opts.MaxReadConns)
		readDB.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		dialect: opts.Dialect,
		locks:   NewLockManager(),
	}

	if err := s.initSchema(); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *Store) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.writeDB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Locks returns the per-participant lock manager for this store.
func (s *Store) Locks() *LockManager {
	return s.locks
}

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind converts ? placeholders for the active dialect.
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// ReadTx begins a read-only transaction on the read pool. Every query
// a cohort evaluation runs goes through one such transaction so all
// predicates see the same snapshot.
func (s *Store) ReadTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.readDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin read transaction: %w", err)
	}
	return tx, nil
}

// RunAnalyze refreshes database planner statistics. Called from the
// maintenance scheduler after bulk ingests.
func (s *Store) RunAnalyze(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, AnalyzeSQL); err != nil {
		return fmt.Errorf("store: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the store's database connections.
func (s *Store) Close() error {
	// Close read connections first, then the write connection
	if err := s.readDB.Close(); err != nil {
		s.writeDB.Close()
		return err
	}
	return s.writeDB.Close()
}
