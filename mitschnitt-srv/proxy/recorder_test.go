package proxy

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderAppendOrder(t *testing.T) {
	recorder := NewSeenRecorder(nil)

	for i := 0; i < 5; i++ {
		recorder.Record("rule-1", testRequest(http.MethodGet, fmt.Sprintf("http://example.com/%d", i), nil))
	}

	seen := recorder.SeenRequests("rule-1")
	require.Len(t, seen, 5)
	for i, entry := range seen {
		assert.Equal(t, fmt.Sprintf("/%d", i), entry.Request.URL.Path)
		assert.Equal(t, "rule-1", entry.RuleID)
		assert.NotEmpty(t, entry.ID)
	}
	assert.Equal(t, 5, recorder.Count("rule-1"))
	assert.Equal(t, 0, recorder.Count("rule-2"))
}

func TestRecorderSnapshotIsolation(t *testing.T) {
	recorder := NewSeenRecorder(nil)
	recorder.Record("rule-1", testRequest(http.MethodGet, "http://example.com/a", nil))

	snapshot := recorder.SeenRequests("rule-1")
	require.Len(t, snapshot, 1)

	// A later append must not affect the previously returned snapshot.
	recorder.Record("rule-1", testRequest(http.MethodGet, "http://example.com/b", nil))
	assert.Len(t, snapshot, 1)
	assert.Len(t, recorder.SeenRequests("rule-1"), 2)
}

func TestRecorderSnapshotIsDeepCopy(t *testing.T) {
	recorder := NewSeenRecorder(nil)
	req := testRequest(http.MethodPost, "http://example.com/a", []byte("original"))
	recorder.Record("rule-1", req)

	// Mutating the request after recording must not change the log.
	req.Body[0] = 'X'
	req.Method = http.MethodDelete

	seen := recorder.SeenRequests("rule-1")
	require.Len(t, seen, 1)
	assert.Equal(t, "original", seen[0].BodyText())
	assert.Equal(t, http.MethodPost, seen[0].Request.Method)
}

func TestRecorderConcurrentAppends(t *testing.T) {
	recorder := NewSeenRecorder(nil)

	const goroutines = 16
	const perGoroutine = 25

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			ruleID := fmt.Sprintf("rule-%d", idx%2)
			for j := 0; j < perGoroutine; j++ {
				recorder.Record(ruleID, testRequest(http.MethodGet, "http://example.com/", nil))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, goroutines/2*perGoroutine, recorder.Count("rule-0"))
	assert.Equal(t, goroutines/2*perGoroutine, recorder.Count("rule-1"))
}

func TestRecorderReset(t *testing.T) {
	recorder := NewSeenRecorder(nil)
	recorder.Record("rule-1", testRequest(http.MethodGet, "http://example.com/", nil))
	require.Equal(t, 1, recorder.Count("rule-1"))

	recorder.Reset()
	assert.Equal(t, 0, recorder.Count("rule-1"))
	assert.Empty(t, recorder.SeenRequests("rule-1"))
}

func TestRuleHandleSeenRequests(t *testing.T) {
	recorder := NewSeenRecorder(nil)
	rules := NewRuleSet()
	rule, err := rules.Register(MatchHost("example.com"), StaticReply{Status: 200})
	require.NoError(t, err)

	handle := &RuleHandle{rule: rule, recorder: recorder}
	assert.Equal(t, rule.ID, handle.ID())
	assert.Equal(t, 0, handle.SeenCount())

	recorder.Record(rule.ID, testRequest(http.MethodGet, "http://example.com/x", nil))
	assert.Equal(t, 1, handle.SeenCount())
	require.Len(t, handle.SeenRequests(), 1)
	assert.Equal(t, "/x", handle.SeenRequests()[0].Request.URL.Path)
}
