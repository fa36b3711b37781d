package stats

import (
	"context"
	"time"
)

// Recorder defines the interface for persisting seen requests. The proxy's
// in-memory recorder mirrors every completed request into a Recorder; the
// dummy implementation drops them.
type Recorder interface {
	// RecordSeenRequest persists one completed request attributed to a rule.
	RecordSeenRequest(ctx context.Context, seen SeenRequestRecord) (int64, error)

	// SeenRequests returns the persisted requests for a rule in append order.
	SeenRequests(ctx context.Context, ruleID string) ([]SeenRequestRecord, error)

	// CountSeenRequests returns the number of persisted requests for a rule.
	CountSeenRequests(ctx context.Context, ruleID string) (int64, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}

// SeenRequestRecord is the persisted form of a seen request.
type SeenRequestRecord struct {
	ID        int64
	RequestID string // UUID assigned by the in-memory recorder
	RuleID    string
	Method    string
	URL       string
	Host      string
	Headers   map[string][]string
	Body      []byte
	SeenAt    time.Time
}
