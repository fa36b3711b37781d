package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/resolver"
)

// Pipeline replays intercepted requests upstream. It applies rewrite hooks,
// dials the target (directly or through a configured parent proxy), performs
// upstream TLS validation with per-rule host overrides, and captures the
// response. All failures come back as coded errors for the 502 path.
type Pipeline struct {
	timeout time.Duration
	forward *config.ForwardConfig
	prober  *resolver.Prober
}

// NewPipeline creates an upstream pipeline.
func NewPipeline(timeout time.Duration, forward *config.ForwardConfig, prober *resolver.Prober) *Pipeline {
	if prober == nil {
		prober = resolver.NewProber()
	}
	return &Pipeline{
		timeout: timeout,
		forward: forward,
		prober:  prober,
	}
}

// applyRewriteHooks runs the rule's hooks in order. A hook may mutate the
// request directly or return a partial override; set override fields replace
// the corresponding request fields, unset fields keep them.
func applyRewriteHooks(req *InterceptedRequest, hooks []RewriteHook) error {
	for _, hook := range hooks {
		override, err := hook(req)
		if err != nil {
			return NewProxyError(ErrCodeRewriteHookFailed, "rewrite hook failed", err)
		}
		if override == nil {
			continue
		}
		if override.Method != "" {
			req.Method = override.Method
		}
		if override.URL != "" {
			u, err := url.Parse(override.URL)
			if err != nil {
				return NewProxyError(ErrCodeRewriteHookFailed,
					fmt.Sprintf("rewrite hook returned invalid URL %q", override.URL), err)
			}
			req.URL = u
		}
		if override.Header != nil {
			req.Header = override.Header.Clone()
		}
		if override.SetBody {
			req.Body = append([]byte(nil), override.Body...)
		}
	}
	return nil
}

// retarget rewrites the request URL to point at target, preserving the
// original path and query exactly. target carries no path; this is enforced
// at rule registration.
func retarget(req *InterceptedRequest, target *url.URL) {
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
}

// hop-by-hop headers are stripped before the request is replayed upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// Execute replays req upstream and captures the response. forwardTarget, when
// non-nil, replaces scheme and host while keeping path and query. Hosts in
// ignoreCertErrorsFor skip upstream certificate validation; everything else
// validates against the system roots.
func (p *Pipeline) Execute(ctx context.Context, req *InterceptedRequest, hooks []RewriteHook,
	ignoreCertErrorsFor []string, forwardTarget *url.URL) (*InterceptedResponse, error) {

	if err := applyRewriteHooks(req, hooks); err != nil {
		return nil, err
	}
	if forwardTarget != nil {
		retarget(req, forwardTarget)
	}
	removeHopByHopHeaders(req.Header)

	httpReq, err := req.toHTTPRequest()
	if err != nil {
		return nil, NewProxyError(ErrCodeInternalError, "failed to build upstream request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	skipVerify := hostInList(req.URL.Host, ignoreCertErrorsFor)
	if skipVerify {
		logger.Debug("Skipping upstream certificate validation for %s", req.URL.Host)
	}

	transport := &http.Transport{
		DialContext: p.dialUpstream,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: skipVerify,
		},
		DisableCompression: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		// Redirects belong to the original client, not the proxy.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyUpstreamError(req.URL.Host, err)
	}

	return fromHTTPResponse(resp)
}

// dialUpstream opens the upstream TCP connection, routing through the
// configured parent proxy if any. Ambiguous loopback hosts are pinned to a
// probed address family first.
func (p *Pipeline) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidAddress, fmt.Sprintf("invalid address %q", addr), err)
	}
	if network == "tcp" {
		network = p.prober.PreferredNetwork(host)
	}

	dialer := &net.Dialer{Timeout: p.timeout}

	if p.forward == nil || p.forward.Type == "" || p.forward.Type == config.ForwardTypeNetwork {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
				fmt.Sprintf("direct dial to %s failed", addr), err)
		}
		return conn, nil
	}

	switch p.forward.Type {
	case config.ForwardTypeSocks5:
		return p.dialSocks5(ctx, dialer, network, addr)
	case config.ForwardTypeProxy:
		return p.dialHTTPProxy(ctx, dialer, network, addr)
	default:
		return nil, NewProxyError(ErrCodeInternalError,
			fmt.Sprintf("unknown forward type %q", p.forward.Type), nil)
	}
}

// dialSocks5 connects to the target through the configured SOCKS5 parent.
func (p *Pipeline) dialSocks5(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	var auth *xproxy.Auth
	if p.forward.Username != nil {
		auth = &xproxy.Auth{User: *p.forward.Username}
		if p.forward.Password != nil {
			auth.Password = *p.forward.Password
		}
	}

	socksDialer, err := xproxy.SOCKS5(network, p.forward.Address, auth, dialer)
	if err != nil {
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("failed to create SOCKS5 dialer for %s", p.forward.Address), err)
	}

	if ctxDialer, ok := socksDialer.(xproxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
				fmt.Sprintf("SOCKS5 dial to %s via %s failed", addr, p.forward.Address), err)
		}
		return conn, nil
	}

	conn, err := socksDialer.Dial(network, addr)
	if err != nil {
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("SOCKS5 dial to %s via %s failed", addr, p.forward.Address), err)
	}
	return conn, nil
}

// dialHTTPProxy connects to the target by sending CONNECT to the configured
// HTTP parent proxy.
func (p *Pipeline) dialHTTPProxy(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	proxyConn, err := dialer.DialContext(ctx, network, p.forward.Address)
	if err != nil {
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("dial to parent proxy %s failed", p.forward.Address), err)
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+addr, http.NoBody)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("failed to build CONNECT request for %s", addr), err)
	}
	connectReq.Host = addr
	connectReq.Header.Set("Proxy-Connection", "keep-alive")
	if p.forward.Username != nil && p.forward.Password != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(*p.forward.Username + ":" + *p.forward.Password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		closeQuietly(proxyConn)
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("failed to send CONNECT to parent proxy %s", p.forward.Address), err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(proxyConn), connectReq)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("failed to read CONNECT response from parent proxy %s", p.forward.Address), err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing CONNECT response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		closeQuietly(proxyConn)
		return nil, NewProxyError(ErrCodeUpstreamConnectFailed,
			fmt.Sprintf("parent proxy %s denied CONNECT to %s: %s %s",
				p.forward.Address, addr, resp.Status, strings.TrimSpace(string(body))), nil)
	}

	logger.Debug("CONNECT tunnel established via parent proxy %s to %s", p.forward.Address, addr)
	return proxyConn, nil
}

func closeQuietly(conn net.Conn) {
	if err := conn.Close(); err != nil {
		logger.Error("Error closing connection: %v", err)
	}
}

// hostInList reports whether host (port stripped) appears in the list. The
// match is exact per host; there is no wildcard or global fallback.
func hostInList(host string, list []string) bool {
	h := stripPort(host)
	for _, entry := range list {
		if strings.EqualFold(stripPort(entry), h) {
			return true
		}
	}
	return false
}

// classifyUpstreamError maps a transport error to a coded proxy error so the
// connection boundary can pick the right 502 body.
func classifyUpstreamError(host string, err error) error {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr
	}

	var certVerifyErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalidErr x509.CertificateInvalidError
	if errors.As(err, &certVerifyErr) || errors.As(err, &unknownAuthErr) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalidErr) {
		return NewProxyError(ErrCodeUpstreamTrustFailed,
			fmt.Sprintf("upstream certificate for %s is not trusted", host), err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewProxyError(ErrCodeDNSResolutionFailed,
			fmt.Sprintf("failed to resolve %s", host), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewProxyError(ErrCodeUpstreamTimeout,
			fmt.Sprintf("upstream exchange with %s timed out", host), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProxyError(ErrCodeUpstreamTimeout,
			fmt.Sprintf("upstream exchange with %s timed out", host), err)
	}

	return NewProxyError(ErrCodeUpstreamConnectFailed,
		fmt.Sprintf("upstream exchange with %s failed", host), err)
}
