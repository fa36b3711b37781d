package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
	_ "github.com/lib/pq"
)

// PostgresRecorder implements Recorder using PostgreSQL as the backend.
type PostgresRecorder struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS seen_requests (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	headers JSONB NOT NULL,
	body BYTEA,
	seen_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_requests_rule_id ON seen_requests(rule_id);
`

// NewPostgresRecorder creates a new PostgreSQL-based seen-request store.
func NewPostgresRecorder(dsn string) (*PostgresRecorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized PostgreSQL seen-request store")

	return &PostgresRecorder{db: db}, nil
}

func (p *PostgresRecorder) RecordSeenRequest(ctx context.Context, seen SeenRequestRecord) (int64, error) {
	headerJSON, err := json.Marshal(seen.Headers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal headers: %w", err)
	}

	var id int64
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO seen_requests (request_id, rule_id, method, url, host, headers, body, seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		seen.RequestID, seen.RuleID, seen.Method, seen.URL, seen.Host, string(headerJSON), seen.Body, seen.SeenAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record seen request: %w", err)
	}
	return id, nil
}

func (p *PostgresRecorder) SeenRequests(ctx context.Context, ruleID string) ([]SeenRequestRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, request_id, rule_id, method, url, host, headers, body, seen_at
		 FROM seen_requests WHERE rule_id = $1 ORDER BY id`, ruleID)
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
		var headerJSON []byte
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.RuleID, &rec.Method, &rec.URL,
			&rec.Host, &headerJSON, &rec.Body, &rec.SeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan seen request: %w", err)
		}
		if err := json.Unmarshal(headerJSON, &rec.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *PostgresRecorder) CountSeenRequests(ctx context.Context, ruleID string) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_requests WHERE rule_id = $1`, ruleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count seen requests: %w", err)
	}
	return count, nil
}

func (p *PostgresRecorder) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRecorder) Close() error {
	return p.db.Close()
}
