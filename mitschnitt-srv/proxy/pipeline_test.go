package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
)

func newTestPipeline(forward *config.ForwardConfig) *Pipeline {
	return NewPipeline(5*time.Second, forward, nil)
}

func TestApplyRewriteHooksOverride(t *testing.T) {
	req := testRequest(http.MethodGet, "http://example.com/path", []byte("body"))
	req.Header.Set("X-Original", "yes")

	header := make(http.Header)
	header.Set("X-Replaced", "yes")

	err := applyRewriteHooks(req, []RewriteHook{
		func(r *InterceptedRequest) (*RequestOverride, error) {
			return &RequestOverride{
				Method:  http.MethodPost,
				URL:     "http://example.com/other",
				Header:  header,
				Body:    []byte("new body"),
				SetBody: true,
			}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/other", req.URL.Path)
	assert.Equal(t, "yes", req.Header.Get("X-Replaced"))
	assert.Empty(t, req.Header.Get("X-Original"), "header override replaces the whole header set")
	assert.Equal(t, "new body", string(req.Body))
}

func TestApplyRewriteHooksPartialOverride(t *testing.T) {
	req := testRequest(http.MethodGet, "http://example.com/path", []byte("body"))
	req.Header.Set("X-Original", "yes")

	// Only the method is set; everything else keeps its value.
	err := applyRewriteHooks(req, []RewriteHook{
		func(r *InterceptedRequest) (*RequestOverride, error) {
			return &RequestOverride{Method: http.MethodPost}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/path", req.URL.Path)
	assert.Equal(t, "yes", req.Header.Get("X-Original"))
	assert.Equal(t, "body", string(req.Body))
}

func TestApplyRewriteHooksDirectMutation(t *testing.T) {
	req := testRequest(http.MethodGet, "http://example.com/path", nil)

	// A hook mutating the request and returning no override is honored too.
	err := applyRewriteHooks(req, []RewriteHook{
		func(r *InterceptedRequest) (*RequestOverride, error) {
			r.Header.Set("X-Injected", "mutated")
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "mutated", req.Header.Get("X-Injected"))
}

func TestApplyRewriteHooksEmptyBodyOverride(t *testing.T) {
	req := testRequest(http.MethodPost, "http://example.com/path", []byte("body"))

	err := applyRewriteHooks(req, []RewriteHook{
		func(r *InterceptedRequest) (*RequestOverride, error) {
			return &RequestOverride{SetBody: true}, nil
		},
	})
	require.NoError(t, err)
	assert.Empty(t, req.Body, "SetBody with no bytes clears the body")
}

func TestApplyRewriteHooksError(t *testing.T) {
	req := testRequest(http.MethodGet, "http://example.com/path", nil)

	err := applyRewriteHooks(req, []RewriteHook{
		func(r *InterceptedRequest) (*RequestOverride, error) {
			return nil, errors.New("hook failed")
		},
	})
	require.Error(t, err)
	assert.Equal(t, ErrCodeRewriteHookFailed, err.(*Error).Code)
}

func TestRetargetPreservesPathAndQuery(t *testing.T) {
	req := testRequest(http.MethodGet, "http://original.com/get?a=b", nil)
	target, err := url.Parse("https://replacement.com:1234")
	require.NoError(t, err)

	retarget(req, target)
	assert.Equal(t, "https", req.URL.Scheme)
	assert.Equal(t, "replacement.com:1234", req.URL.Host)
	assert.Equal(t, "/get", req.URL.Path)
	assert.Equal(t, "a=b", req.URL.RawQuery)
}

func TestHostInList(t *testing.T) {
	list := []string{"trusted.example.com", "other.example.com:8443"}

	assert.True(t, hostInList("trusted.example.com", list))
	assert.True(t, hostInList("trusted.example.com:443", list))
	assert.True(t, hostInList("Trusted.Example.Com", list))
	assert.True(t, hostInList("other.example.com", list))
	assert.False(t, hostInList("untrusted.example.com", list))
	assert.False(t, hostInList("example.com", nil))

	// An unbracketed IPv6 entry matches the bracketed request host.
	assert.True(t, hostInList("[::1]:443", []string{"::1"}))
	assert.False(t, hostInList("[::2]:443", []string{"::1"}))
}

func TestPassThroughPreservesResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.custom+json")
		w.Header().Set("X-Upstream", "real")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"from":"upstream"}`))
	}))
	defer upstream.Close()

	pipeline := newTestPipeline(nil)
	req := testRequest(http.MethodGet, upstream.URL+"/endpoint", nil)

	resp, err := pipeline.Execute(context.Background(), req, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/vnd.custom+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "real", resp.Header.Get("X-Upstream"))
	assert.Equal(t, `{"from":"upstream"}`, string(resp.Body))
}

func TestForwardToUpstreamSeesOriginalPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	pipeline := newTestPipeline(nil)
	req := testRequest(http.MethodGet, "http://somewhere-else.com/get?a=b", nil)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	resp, err := pipeline.Execute(context.Background(), req, nil, nil, target)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/get", gotPath)
	assert.Equal(t, "a=b", gotQuery)
}

func TestRewriteHookObservedUpstream(t *testing.T) {
	var gotMethod, gotHeader, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Injected")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	pipeline := newTestPipeline(nil)
	req := testRequest(http.MethodGet, upstream.URL+"/endpoint", nil)

	hooks := []RewriteHook{
		func(r *InterceptedRequest) (*RequestOverride, error) {
			r.Header.Set("X-Injected", "injected-value")
			return &RequestOverride{Method: http.MethodPost, Body: []byte("posted"), SetBody: true}, nil
		},
	}

	_, err := pipeline.Execute(context.Background(), req, hooks, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod, "upstream must observe the overridden method")
	assert.Equal(t, "injected-value", gotHeader, "upstream must observe the mutated header")
	assert.Equal(t, "posted", gotBody)
}

func TestUpstreamCertificateTrust(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer upstream.Close()

	pipeline := newTestPipeline(nil)

	// The httptest certificate is self-signed, so validation fails.
	req := testRequest(http.MethodGet, upstream.URL+"/", nil)
	_, err := pipeline.Execute(context.Background(), req, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUpstreamTrustFailed, err.(*Error).Code)

	// Ignoring errors for the exact host makes the exchange succeed.
	req = testRequest(http.MethodGet, upstream.URL+"/", nil)
	resp, err := pipeline.Execute(context.Background(), req, nil, []string{"127.0.0.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure", string(resp.Body))

	// An unrelated host in the ignore list does not help: the list is
	// host-scoped, not global.
	req = testRequest(http.MethodGet, upstream.URL+"/", nil)
	_, err = pipeline.Execute(context.Background(), req, nil, []string{"unrelated.example.com"}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUpstreamTrustFailed, err.(*Error).Code)
}

func TestPipelineConnectionRefused(t *testing.T) {
	pipeline := newTestPipeline(nil)
	req := testRequest(http.MethodGet, "http://127.0.0.1:1/", nil)

	_, err := pipeline.Execute(context.Background(), req, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeUpstreamConnectFailed, err.(*Error).Code)
}

func TestPipelineTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer upstream.Close()

	pipeline := NewPipeline(200*time.Millisecond, nil, nil)
	req := testRequest(http.MethodGet, upstream.URL+"/", nil)

	_, err := pipeline.Execute(context.Background(), req, nil, nil, nil)
	require.Error(t, err)
	code := err.(*Error).Code
	assert.Contains(t, []string{ErrCodeUpstreamTimeout, ErrCodeUpstreamConnectFailed}, code)
}

func TestPipelineSocks5Forward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via socks"))
	}))
	defer upstream.Close()

	socksServer, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)

	socksListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = socksListener.Close() }()
	go func() { _ = socksServer.Serve(socksListener) }()

	pipeline := newTestPipeline(&config.ForwardConfig{
		Type:    config.ForwardTypeSocks5,
		Address: socksListener.Addr().String(),
	})

	req := testRequest(http.MethodGet, upstream.URL+"/", nil)
	resp, err := pipeline.Execute(context.Background(), req, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "via socks", string(resp.Body))
}

func TestPipelineHTTPProxyForward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via connect"))
	}))
	defer upstream.Close()

	parent := startConnectProxy(t)

	pipeline := newTestPipeline(&config.ForwardConfig{
		Type:    config.ForwardTypeProxy,
		Address: parent,
	})

	req := testRequest(http.MethodGet, upstream.URL+"/", nil)
	resp, err := pipeline.Execute(context.Background(), req, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "via connect", string(resp.Body))
}

// startConnectProxy runs a minimal CONNECT-only parent proxy for tests.
func startConnectProxy(t *testing.T) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "only CONNECT", http.StatusMethodNotAllowed)
			return
		}
		targetConn, err := net.DialTimeout("tcp", r.Host, 5*time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		clientConn, _, err := hj.Hijack()
		require.NoError(t, err)
		_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		go func() {
			defer func() { _ = targetConn.Close() }()
			_, _ = io.Copy(targetConn, clientConn)
		}()
		go func() {
			defer func() { _ = clientConn.Close() }()
			_, _ = io.Copy(clientConn, targetConn)
		}()
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return u.Host
}
