package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRecorder implements Recorder using SQLite as the backend.
type SQLiteRecorder struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS seen_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	headers TEXT NOT NULL,
	body BLOB,
	seen_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_requests_rule_id ON seen_requests(rule_id);
`

// NewSQLiteRecorder creates a new SQLite-based seen-request store.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized SQLite seen-request store at %s", dbPath)

	return &SQLiteRecorder{db: db}, nil
}

func (s *SQLiteRecorder) RecordSeenRequest(ctx context.Context, seen SeenRequestRecord) (int64, error) {
	headerJSON, err := json.Marshal(seen.Headers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal headers: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_requests (request_id, rule_id, method, url, host, headers, body, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seen.RequestID, seen.RuleID, seen.Method, seen.URL, seen.Host, string(headerJSON), seen.Body, seen.SeenAt)
	if err != nil {
		return 0, fmt.Errorf("failed to record seen request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get seen request ID: %w", err)
	}
	return id, nil
}

func (s *SQLiteRecorder) SeenRequests(ctx context.Context, ruleID string) ([]SeenRequestRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, rule_id, method, url, host, headers, body, seen_at
		 FROM seen_requests WHERE rule_id = ? ORDER BY id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen requests: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	var records []SeenRequestRecord
	for rows.Next() {
		var rec SeenRequestRecord
		var headerJSON string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.RuleID, &rec.Method, &rec.URL,
			&rec.Host, &headerJSON, &rec.Body, &rec.SeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan seen request: %w", err)
		}
		if err := json.Unmarshal([]byte(headerJSON), &rec.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteRecorder) CountSeenRequests(ctx context.Context, ruleID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_requests WHERE rule_id = ?`, ruleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count seen requests: %w", err)
	}
	return count, nil
}

func (s *SQLiteRecorder) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRecorder) Close() error {
	return s.db.Close()
}
