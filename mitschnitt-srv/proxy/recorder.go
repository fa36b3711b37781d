package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/stats"
)

// SeenRequest is an immutable snapshot of a request matched by a rule,
// appended after the exchange for that request concluded.
type SeenRequest struct {
	ID      string
	RuleID  string
	Request *InterceptedRequest
	SeenAt  time.Time
}

// BodyText returns the recorded body as text.
func (s *SeenRequest) BodyText() string { return s.Request.BodyText() }

// BodyBytes returns the recorded body bytes.
func (s *SeenRequest) BodyBytes() []byte { return s.Request.BodyBytes() }

// SeenRecorder keeps a per-rule ordered log of completed requests. Appends
// from concurrent connections are serialized per recorder; reads return
// snapshots that later appends do not affect. When a persistent store is
// attached, every append is mirrored into it as well.
type SeenRecorder struct {
	mu    sync.Mutex
	seen  map[string][]*SeenRequest
	store stats.Recorder
}

// NewSeenRecorder creates a recorder, optionally mirroring into store. A nil
// store keeps recording purely in memory.
func NewSeenRecorder(store stats.Recorder) *SeenRecorder {
	return &SeenRecorder{
		seen:  make(map[string][]*SeenRequest),
		store: store,
	}
}

// Record appends a snapshot of req to the rule's log. The snapshot is a deep
// copy, so later mutation of req is not visible in the log.
func (r *SeenRecorder) Record(ruleID string, req *InterceptedRequest) {
	entry := &SeenRequest{
		ID:      uuid.NewString(),
		RuleID:  ruleID,
		Request: req.Clone(),
		SeenAt:  time.Now(),
	}

	r.mu.Lock()
	r.seen[ruleID] = append(r.seen[ruleID], entry)
	r.mu.Unlock()

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := r.store.RecordSeenRequest(ctx, stats.SeenRequestRecord{
			RequestID: entry.ID,
			RuleID:    ruleID,
			Method:    entry.Request.Method,
			URL:       entry.Request.URL.String(),
			Host:      entry.Request.URL.Host,
			Headers:   entry.Request.Header,
			Body:      entry.Request.Body,
			SeenAt:    entry.SeenAt,
		})
		if err != nil {
			logger.Error("Failed to persist seen request for rule %s: %v", ruleID, err)
		}
	}
}

// SeenRequests returns a snapshot of the rule's log in append order.
func (r *SeenRecorder) SeenRequests(ruleID string) []*SeenRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.seen[ruleID]
	out := make([]*SeenRequest, len(entries))
	copy(out, entries)
	return out
}

// Count returns the number of recorded requests for the rule.
func (r *SeenRecorder) Count(ruleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen[ruleID])
}

// Reset drops all recorded requests.
func (r *SeenRecorder) Reset() {
	r.mu.Lock()
	r.seen = make(map[string][]*SeenRequest)
	r.mu.Unlock()
}

// RuleHandle is returned from rule registration. It ties a rule to the
// proxy's recorder for verification.
type RuleHandle struct {
	rule     *Rule
	recorder *SeenRecorder
}

// ID returns the rule's id.
func (h *RuleHandle) ID() string { return h.rule.ID }

// SeenRequests returns a snapshot of the requests this rule matched, in the
// order they completed.
func (h *RuleHandle) SeenRequests() []*SeenRequest {
	return h.recorder.SeenRequests(h.rule.ID)
}

// SeenCount returns the number of requests this rule matched.
func (h *RuleHandle) SeenCount() int {
	return h.recorder.Count(h.rule.ID)
}
