package proxy

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() (*Dispatcher, *RuleSet, *SeenRecorder) {
	rules := NewRuleSet()
	recorder := NewSeenRecorder(nil)
	pipeline := NewPipeline(5*time.Second, nil, nil)
	return NewDispatcher(rules, pipeline, recorder), rules, recorder
}

func TestDispatchNoMatchingRule(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher()

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ErrCodeNoMatchingRule, resp.Header.Get("X-Mitschnitt-Error"))
	assert.Contains(t, string(resp.Body), ErrCodeNoMatchingRule)
}

func TestDispatchStaticReply(t *testing.T) {
	dispatcher, rules, recorder := newTestDispatcher()

	header := make(http.Header)
	header.Set("X-Custom", "value")
	rule, err := rules.Register(MatchHost("example.com"), StaticReply{
		Status: http.StatusTeapot,
		Body:   []byte("short and stout"),
		Header: header,
	})
	require.NoError(t, err)

	req := testRequest(http.MethodGet, "http://example.com/teapot", []byte("hello"))
	resp, err := dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", string(resp.Body))
	assert.Equal(t, "value", resp.Header.Get("X-Custom"))

	// The request is recorded against the matched rule with its body intact.
	seen := recorder.SeenRequests(rule.ID)
	require.Len(t, seen, 1)
	assert.Equal(t, "hello", seen[0].BodyText())
	assert.Equal(t, "/teapot", seen[0].Request.URL.Path)
}

func TestDispatchStaticReplyJSON(t *testing.T) {
	dispatcher, rules, _ := newTestDispatcher()

	_, err := rules.Register(MatchHost("example.com"), StaticReply{
		Status: http.StatusOK,
		JSON:   map[string]any{"status": "ok", "count": 3},
	})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","count":3}`, string(resp.Body))
}

func TestDispatchStaticReplyDefaultStatus(t *testing.T) {
	dispatcher, rules, _ := newTestDispatcher()

	_, err := rules.Register(MatchHost("example.com"), StaticReply{Body: []byte("ok")})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDispatchCallback(t *testing.T) {
	dispatcher, rules, recorder := newTestDispatcher()

	rule, err := rules.Register(MatchHost("example.com"), Callback{
		Handler: func(req *InterceptedRequest) (*InterceptedResponse, error) {
			return newTextResponse(http.StatusAccepted, "handled "+req.URL.Path), nil
		},
	})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/cb", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "handled /cb", string(resp.Body))
	assert.Equal(t, 1, recorder.Count(rule.ID))
}

func TestDispatchCallbackError(t *testing.T) {
	dispatcher, rules, recorder := newTestDispatcher()

	rule, err := rules.Register(MatchHost("example.com"), Callback{
		Handler: func(req *InterceptedRequest) (*InterceptedResponse, error) {
			return nil, errors.New("boom")
		},
	})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrCodeCallbackFailed, resp.Header.Get("X-Mitschnitt-Error"))

	// A failed callback still counts as a completed exchange.
	assert.Equal(t, 1, recorder.Count(rule.ID))
}

func TestDispatchCallbackPanic(t *testing.T) {
	dispatcher, rules, recorder := newTestDispatcher()

	rule, err := rules.Register(MatchHost("example.com"), Callback{
		Handler: func(req *InterceptedRequest) (*InterceptedResponse, error) {
			panic("handler exploded")
		},
	})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrCodeCallbackPanic, resp.Header.Get("X-Mitschnitt-Error"))
	assert.Equal(t, 1, recorder.Count(rule.ID))
}

func TestDispatchCallbackNilResponse(t *testing.T) {
	dispatcher, rules, _ := newTestDispatcher()

	_, err := rules.Register(MatchHost("example.com"), Callback{
		Handler: func(req *InterceptedRequest) (*InterceptedResponse, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDispatchPassThroughConnectionRefused(t *testing.T) {
	dispatcher, rules, recorder := newTestDispatcher()

	rule, err := rules.Register(MatchHost("127.0.0.1"), PassThrough{})
	require.NoError(t, err)

	// Port 1 on loopback should refuse the connection.
	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://127.0.0.1:1/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Mitschnitt-Error"))
	assert.Contains(t, string(resp.Body), "502 Bad Gateway")

	// A Bad-Gateway outcome is a completed attempt and is recorded.
	assert.Equal(t, 1, recorder.Count(rule.ID))
}

func TestDispatchRecordsPreRewriteSnapshot(t *testing.T) {
	dispatcher, rules, recorder := newTestDispatcher()

	// The rewrite retargets to an unreachable port, so the exchange ends in
	// 502, which still records the original request.
	rule, err := rules.Register(MatchHost("example.com"), PassThrough{
		RewriteHooks: []RewriteHook{
			func(req *InterceptedRequest) (*RequestOverride, error) {
				return &RequestOverride{Method: http.MethodPost, URL: "http://127.0.0.1:1/rewritten"}, nil
			},
		},
	})
	require.NoError(t, err)

	resp, err := dispatcher.Dispatch(context.Background(), testRequest(http.MethodGet, "http://example.com/original", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	seen := recorder.SeenRequests(rule.ID)
	require.Len(t, seen, 1)
	assert.Equal(t, http.MethodGet, seen[0].Request.Method)
	assert.Equal(t, "/original", seen[0].Request.URL.Path)
	assert.Equal(t, "example.com", seen[0].Request.URL.Host)
}
