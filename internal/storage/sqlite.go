// Package storage provides durable backends for the resolution history
// log. The engine owns the record shape; these backends only persist it.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS resolution_history (
	id         TEXT PRIMARY KEY,
	conflict_id TEXT NOT NULL,
	recorded_at INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_recorded_at ON resolution_history(recorded_at);
`

// SQLiteHistory persists history records in a local SQLite database.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (and migrates) the history database at path.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

// Append stores one history record.
func (s *SQLiteHistory) Append(ctx context.Context, rec types.HistoryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolution_history (id, conflict_id, recorded_at, payload) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.ConflictID, rec.Timestamp.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to store history record: %w", err)
	}
	return nil
}

// Remove deletes one history record by id.
func (s *SQLiteHistory) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resolution_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}
	return nil
}

// Load returns up to limit of the most recent records, oldest first.
func (s *SQLiteHistory) Load(ctx context.Context, limit int) ([]types.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM (
			SELECT payload, recorded_at FROM resolution_history
			ORDER BY recorded_at DESC LIMIT ?
		) ORDER BY recorded_at ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.HistoryRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var rec types.HistoryRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			// Skip undecodable rows rather than failing the load.
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Trim keeps only the most recent maxRecords rows.
func (s *SQLiteHistory) Trim(ctx context.Context, maxRecords int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM resolution_history WHERE id NOT IN (
			SELECT id FROM resolution_history ORDER BY recorded_at DESC LIMIT ?
		)`, maxRecords)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
