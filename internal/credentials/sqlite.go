package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/imean-app/chat-client/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database, the desktop
// client's stand-in for the browser's localStorage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed credential store.
func NewSQLite(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential %s: %w", key, err)
	}
	return value, nil
}

// set upserts one value. SQLITE_BUSY conflicts are retried with a short
// backoff; the chat client and a login flow may write concurrently.
func (s *SQLiteStore) set(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO credentials (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, key, value, time.Now().Unix())
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			break
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Credential write hit busy database, retrying",
				"key", key, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("write credential %s: %w", key, err)
}

func (s *SQLiteStore) AccessToken(ctx context.Context) (string, error) {
	return s.get(ctx, KeyAccessToken)
}

func (s *SQLiteStore) SetAccessToken(ctx context.Context, token string) error {
	return s.set(ctx, KeyAccessToken, token)
}

func (s *SQLiteStore) RefreshToken(ctx context.Context) (string, error) {
	return s.get(ctx, KeyRefreshToken)
}

func (s *SQLiteStore) SetRefreshToken(ctx context.Context, token string) error {
	return s.set(ctx, KeyRefreshToken, token)
}

func (s *SQLiteStore) MemberID(ctx context.Context) (string, error) {
	return s.get(ctx, KeyMemberID)
}

func (s *SQLiteStore) SetMemberID(ctx context.Context, id string) error {
	return s.set(ctx, KeyMemberID, id)
}

func (s *SQLiteStore) MemberCode(ctx context.Context) (string, error) {
	return s.get(ctx, KeyMemberCode)
}

func (s *SQLiteStore) SetMemberCode(ctx context.Context, code string) error {
	return s.set(ctx, KeyMemberCode, code)
}

func (s *SQLiteStore) MemberNickname(ctx context.Context) (string, error) {
	return s.get(ctx, KeyMemberNickname)
}

func (s *SQLiteStore) SetMemberNickname(ctx context.Context, nickname string) error {
	return s.set(ctx, KeyMemberNickname, nickname)
}

func (s *SQLiteStore) CoupleStatus(ctx context.Context) (string, error) {
	return s.get(ctx, KeyCoupleStatus)
}

func (s *SQLiteStore) SetCoupleStatus(ctx context.Context, status string) error {
	return s.set(ctx, KeyCoupleStatus, status)
}

// Clear removes every stored credential.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
