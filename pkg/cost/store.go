package cost

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	scope_type TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_scope ON usage_records(scope_type, scope_id);
`

// SQLiteUsageStore persists usage records to a local SQLite database.
type SQLiteUsageStore struct {
	db *sql.DB
}

// NewSQLiteUsageStore opens (or creates) the database at dbPath and
// prepares the usage schema. WAL mode keeps concurrent readers unblocked.
func NewSQLiteUsageStore(dbPath string) (*SQLiteUsageStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteUsageStore{db: db}, nil
}

// SaveUsage inserts one record.
func (s *SQLiteUsageStore) SaveUsage(record UsageRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO usage_records (id, scope_type, scope_id, model, input_tokens, output_tokens, cost, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, string(record.ScopeType), record.ScopeID, record.Model,
		record.InputTokens, record.OutputTokens, record.Cost,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save usage record: %w", err)
	}
	return nil
}

// LoadUsage returns all persisted records for a scope, oldest first.
func (s *SQLiteUsageStore) LoadUsage(scopeType ScopeType, scopeID string) ([]UsageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, scope_type, scope_id, model, input_tokens, output_tokens, cost, timestamp
		 FROM usage_records WHERE scope_type = ? AND scope_id = ? ORDER BY timestamp`,
		string(scopeType), scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var record UsageRecord
		var scope, ts string
		if err := rows.Scan(&record.ID, &scope, &record.ScopeID, &record.Model,
			&record.InputTokens, &record.OutputTokens, &record.Cost, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		record.ScopeType = ScopeType(scope)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			record.Timestamp = parsed
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteUsageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
