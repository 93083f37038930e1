package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

const (
	maxStatementTimeout = time.Hour

	// DefaultQueryTimeout bounds a single non-transactional query.
	DefaultQueryTimeout = 30 * time.Second

	// LongQueryTimeout bounds migrations.
	LongQueryTimeout = 5 * time.Minute

	// migrationLockID serializes migrations across replicas starting at
	// the same time.
	migrationLockID int64 = 0x6c65646765720001
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

type DB struct {
	*sql.DB
}

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime defaults to two minutes.
	ConnMaxIdleTime time.Duration
	// StatementTimeout is set as the server-side statement_timeout of every
	// pooled session. Zero leaves the server default.
	StatementTimeout time.Duration
}

func New(cfg Config) (*DB, error) {
	connURL, err := connectionURL(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	db.SetConnMaxIdleTime(idle)

	ctx, cancel := withTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{db}, nil
}

// connectionURL adds statement_timeout to the libpq options parameter so it
// applies to every connection in the pool.
func connectionURL(cfg Config) (string, error) {
	if cfg.StatementTimeout < 0 || cfg.StatementTimeout > maxStatementTimeout {
		return "", fmt.Errorf("statement timeout %s out of allowed range [0, %s]", cfg.StatementTimeout, maxStatementTimeout)
	}
	if cfg.StatementTimeout == 0 {
		return cfg.URL, nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse db url: %w", err)
	}
	q := u.Query()
	opt := "-c statement_timeout=" + strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	if existing := q.Get("options"); existing != "" {
		opt = existing + " " + opt
	}
	q.Set("options", opt)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// PoolStats is the subset of sql.DBStats exported as gauges.
type PoolStats struct {
	Open      int
	InUse     int
	Idle      int
	WaitCount int64
}

func (db *DB) PoolStats() PoolStats {
	s := db.Stats()
	return PoolStats{Open: s.OpenConnections, InUse: s.InUse, Idle: s.Idle, WaitCount: s.WaitCount}
}

// RunMigrations applies the *.up.sql files in dir in lexical order. Each
// file runs in its own transaction together with its schema_migrations row,
// under an advisory lock so concurrent replicas apply it once.
func (db *DB) RunMigrations(ctx context.Context, dir string) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)

	applied := 0
	for _, f := range files {
		ran, err := db.applyMigration(ctx, f)
		if err != nil {
			return err
		}
		if ran {
			applied++
		}
	}
	slog.Info("migrations up to date", "dir", dir, "files", len(files), "applied", applied)
	return nil
}

func (db *DB) applyMigration(ctx context.Context, file string) (bool, error) {
	version := filepath.Base(file)
	content, err := os.ReadFile(file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", version, err)
	}

	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return false, fmt.Errorf("lock migration %s: %w", version, err)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	if exists {
		return false, nil
	}

	started := time.Now()
	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return false, fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return false, fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return false, fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", version, err)
	}

	slog.Info("migration applied", "version", version, "elapsed", time.Since(started).String())
	return true, nil
}
