// Package storage provides the on-disk SQLite database shared by the
// suggestion store and the suppression registry, guarded by a cross-process
// advisory lock on the store directory.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	// DBFile is the database file name inside the store directory.
	DBFile = "store.db"
	// LockFile is the advisory lock file name inside the store directory.
	LockFile = "store.lock"
)

var (
	// ErrStoreBusy is returned when the store lock could not be acquired
	// within the configured retry budget.
	ErrStoreBusy = errors.New("store is busy")

	// ErrSchemaMismatch is returned when the on-disk schema version is
	// outside the supported window. It blocks every command until resolved.
	ErrSchemaMismatch = errors.New("store schema version not supported")
)

// Options tunes lock acquisition.
type Options struct {
	// LockTimeout bounds the total time spent waiting for the lock.
	LockTimeout time.Duration
	// MaxRetries bounds the number of lock attempts.
	MaxRetries uint
	Logger     *zap.Logger
}

// DefaultOptions returns the lock budget used by the CLI.
func DefaultOptions() Options {
	return Options{
		LockTimeout: 5 * time.Second,
		MaxRetries:  12,
	}
}

// DB wraps the SQLite connection and the lock file path.
type DB struct {
	conn     *sql.DB
	dir      string
	lockPath string
	opts     Options
	log      *zap.Logger
}

// Open opens or creates the store in dir, migrating the schema forward
// when the on-disk version is older than SchemaVersion.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := sql.Open("sqlite", dsn(filepath.Join(dir, DBFile)))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{
		conn:     conn,
		dir:      dir,
		lockPath: filepath.Join(dir, LockFile),
		opts:     opts,
		log:      log,
	}

	err = db.withLock(ctx, true, func() error {
		return db.migrate(ctx)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dir returns the store directory.
func (db *DB) Dir() string {
	return db.dir
}

// Read runs fn in a transaction under a shared lock. The transaction is
// always rolled back.
func (db *DB) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withLock(ctx, false, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning read: %w", err)
		}
		defer tx.Rollback()
		return fn(tx)
	})
}

// Write runs fn in a transaction under the exclusive lock and commits it
// when fn succeeds. Concurrent readers see either all of fn's writes or none.
func (db *DB) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withLock(ctx, true, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning write: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing: %w", err)
		}
		return nil
	})
}

// withLock acquires the advisory lock, retrying with exponential backoff,
// and runs fn while holding it.
func (db *DB) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	f, err := os.OpenFile(db.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer f.Close()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond

	attempt := func() (struct{}, error) {
		err := tryLock(f, exclusive)
		if errors.Is(err, errWouldBlock) {
			db.log.Debug("store lock contended", zap.Bool("exclusive", exclusive))
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("locking store: %w", err))
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, attempt,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(db.opts.MaxRetries),
		backoff.WithMaxElapsedTime(db.opts.LockTimeout),
	)
	if errors.Is(err, errWouldBlock) {
		return fmt.Errorf("%w: %s held by another process", ErrStoreBusy, db.lockPath)
	}
	if err != nil {
		return err
	}
	defer unlock(f)

	return fn()
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("creating meta table: %w", err)
	}

	version := 0
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	default:
		if version, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("%w: unreadable version %q", ErrSchemaMismatch, raw)
		}
		if version < MinSchemaVersion || version > SchemaVersion {
			return fmt.Errorf("%w: found v%d, supported v%d..v%d", ErrSchemaMismatch, version, MinSchemaVersion, SchemaVersion)
		}
	}

	if version == SchemaVersion {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for v := version; v < SchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrating to v%d: %w", v+1, err)
			}
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(SchemaVersion))
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	db.log.Debug("store schema migrated", zap.Int("from", version), zap.Int("to", SchemaVersion))
	return nil
}

// dsn applies pragmas through the connection string so every pooled
// connection gets them, not just the first.
func dsn(path string) string {
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}
