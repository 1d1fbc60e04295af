// Package storage persists alerts, push subscriptions, contacts and cycle history
// on database/sql. SQLite is the default; PostgreSQL is selected with the "postgres" driver.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage wraps a database for all persistence operations.
type Storage struct {
	db              *sql.DB
	driver          string
	maxCycleHistory int
}

// New opens the database and creates missing tables.
// For SQLite an empty dsn defaults to $TMPDIR/pricewatch/data.db.
func New(driver, dsn string, maxCycleHistory int) (*Storage, error) {
	if maxCycleHistory <= 0 {
		maxCycleHistory = 500
	}
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if dsn == "" {
			dsn = filepath.Join(os.TempDir(), "pricewatch", "data.db")
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres requires a DSN")
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
		for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	s := &Storage{db: db, driver: driver, maxCycleHistory: maxCycleHistory}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			coin_id              TEXT NOT NULL,
			threshold_price      TEXT NOT NULL,
			direction            TEXT NOT NULL,
			is_active            INTEGER NOT NULL DEFAULT 1,
			last_evaluated_price TEXT,
			triggered_at         BIGINT,
			created_at           BIGINT NOT NULL,
			updated_at           BIGINT NOT NULL,
			version              BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_active_coin ON alerts(is_active, coin_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			user_id    TEXT NOT NULL,
			endpoint   TEXT NOT NULL,
			p256dh     TEXT NOT NULL,
			auth       TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, endpoint)
		)`,
		`CREATE TABLE IF NOT EXISTS user_contacts (
			user_id    TEXT PRIMARY KEY,
			email      TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cycle_runs (
			id            TEXT PRIMARY KEY,
			cycle_trigger TEXT NOT NULL,
			coin_id       TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL,
			started_at    BIGINT NOT NULL,
			summary       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_runs_started_at ON cycle_runs(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Storage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Storage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
