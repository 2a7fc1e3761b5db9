package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pingpick/internal/domain"
	"pingpick/internal/events"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the SQLite-backed Record Store. All status mutations are conditional
// UPDATEs; the single connection serializes them.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
	hub    *events.Hub
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		// Создаем директорию для БД, если её нет
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=1", path)
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// SetHub attaches the change hub that watchers subscribe to.
func (db *DB) SetHub(hub *events.Hub) {
	db.hub = hub
}

// Ping checks that the store answers.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return domain.Unavailable("ping", err)
	}
	return nil
}

func (db *DB) notify(topics ...string) {
	db.hub.Notify(topics...)
}

func (db *DB) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pings (
            id TEXT PRIMARY KEY,
            item_name TEXT NOT NULL,
            urgency TEXT NOT NULL,
            requester_id TEXT NOT NULL,
            lat REAL NOT NULL,
            lng REAL NOT NULL,
            radius_km REAL NOT NULL,
            status TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            committed_provider_id TEXT,
            committed_provider_name TEXT,
            committed_distance_km REAL,
            committed_price REAL,
            committed_address TEXT,
            committed_phone TEXT,
            committed_minutes INTEGER,
            committed_at INTEGER,
            expires_at INTEGER
        )`,
		`CREATE TABLE IF NOT EXISTS responses (
            ping_id TEXT NOT NULL REFERENCES pings(id),
            provider_id TEXT NOT NULL,
            provider_name TEXT NOT NULL DEFAULT '',
            available INTEGER NOT NULL,
            reservation_minutes INTEGER,
            distance_km REAL NOT NULL DEFAULT 0,
            price REAL NOT NULL DEFAULT 0,
            address TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            responded_at INTEGER NOT NULL,
            PRIMARY KEY (ping_id, provider_id)
        )`,
		`CREATE TABLE IF NOT EXISTS alerts (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            recipient_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            ping_id TEXT NOT NULL,
            message TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            read INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS no_show_events (
            ping_id TEXT PRIMARY KEY,
            provider_id TEXT NOT NULL,
            requester_id TEXT NOT NULL,
            item_name TEXT NOT NULL,
            reservation_minutes INTEGER NOT NULL,
            reserved_at INTEGER NOT NULL,
            expired_at INTEGER NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_pings_status_created ON pings(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pings_requester_status ON pings(requester_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_pings_status_expires ON pings(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_recipient ON alerts(recipient_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_no_shows_provider ON no_show_events(provider_id, expired_at)`,
		`CREATE INDEX IF NOT EXISTS idx_no_shows_requester ON no_show_events(requester_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}

	return db.ensureColumn("pings", "completed_by", "TEXT")
}

// ensureColumn adds a column introduced after the first schema version.
func (db *DB) ensureColumn(table, column, definition string) error {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// storeErr maps driver failures onto the domain taxonomy.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return domain.Unavailable(op, err)
}

// isDuplicateKey reports a primary-key or unique violation. Inserts keyed by a
// caller-chosen id treat it as an already applied write.
func isDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
