package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DB wraps the database connection and provides health checks
type DB struct {
	conn   *sqlx.DB
	driver string
}

// DBConfig holds database configuration
type DBConfig struct {
	// URL is either a postgres:// DSN or a SQLite path (optionally prefixed with sqlite://)
	URL string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		URL:             "bioengine.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// ParseDSN picks the driver for a database URL and returns the DSN to hand to it.
func ParseDSN(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres, url
	case strings.HasPrefix(url, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(url, "sqlite://")
	default:
		return DriverSQLite, url
	}
}

// NewDB opens the database, configures the pool and applies the schema.
func NewDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	driver, dsn := ParseDSN(cfg.URL)
	if driver == DriverSQLite && !strings.Contains(dsn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}

	conn, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; a single connection keeps compare-and-swap
		// updates free of SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db := &DB{conn: conn, driver: driver}
	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Conn exposes the underlying sqlx handle to the stores.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// Driver returns the driver name the connection was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// Migrate creates the tables used by the governor and the approval gate.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS provider_usage (
		provider_id        TEXT PRIMARY KEY,
		cost_class         TEXT NOT NULL,
		usage_count        BIGINT NOT NULL DEFAULT 0,
		estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_used_at       BIGINT,
		allow_usage        INTEGER NOT NULL DEFAULT 0,
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS paid_window (
		id                INTEGER PRIMARY KEY,
		enabled_at        BIGINT NOT NULL,
		expires_at        BIGINT,
		max_cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_baseline_usd DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS hitl_actions (
		action_id        TEXT PRIMARY KEY,
		action_type      TEXT NOT NULL,
		description      TEXT NOT NULL,
		severity         TEXT NOT NULL,
		proposed_changes TEXT,
		reasoning        TEXT NOT NULL DEFAULT '',
		risks            TEXT NOT NULL DEFAULT '[]',
		benefits         TEXT NOT NULL DEFAULT '[]',
		created_at       BIGINT NOT NULL,
		expires_at       BIGINT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		approved_at      BIGINT,
		approved_by      TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hitl_actions_status ON hitl_actions (status, expires_at)`,
}

// ToMillis converts a timestamp to the unix-millisecond form stored in BIGINT columns.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis, returning UTC.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
