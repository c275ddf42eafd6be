package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteHistory persists finished sessions in <dataDir>/capture_history.db.
// Each row is a JSON document keyed by a ULID, so ids sort by insertion time.
type SQLiteHistory struct {
	db    *sql.DB
	limit int
}

// NewSQLiteHistory opens (or creates) the history database.
func NewSQLiteHistory(dataDir string, limit int) (*SQLiteHistory, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	dbPath := filepath.Join(dataDir, "capture_history.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture history database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `
	CREATE TABLE IF NOT EXISTS capture_history (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		value TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capture_history_session ON capture_history(session_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize capture history schema: %w", err)
	}

	log.Debug().Str("dbPath", dbPath).Int("limit", limit).Msg("Capture history opened")
	return &SQLiteHistory{db: db, limit: limit}, nil
}

// Record stores sess and prunes everything beyond the newest limit rows.
func (h *SQLiteHistory) Record(ctx context.Context, sess Session) error {
	value, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO capture_history (id, session_id, status, value) VALUES (?, ?, ?, ?)`,
		ulid.Make().String(), sess.SessionID, string(sess.Status), string(value),
	); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM capture_history WHERE id NOT IN (SELECT id FROM capture_history ORDER BY id DESC LIMIT ?)`,
		h.limit,
	); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	return tx.Commit()
}

// List returns up to limit sessions, newest first. limit <= 0 returns all
// retained rows.
func (h *SQLiteHistory) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}
	rows, err := h.db.QueryContext(ctx, `SELECT value FROM capture_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(value), &sess); err != nil {
			log.Warn().Err(err).Msg("Skipping unreadable capture history row")
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
