package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// TLSInterceptor performs the MITM leg of HTTPS handling: it completes a
// server-side TLS handshake toward the client using a leaf certificate from
// the Authority and feeds the decrypted requests into the dispatcher. Each
// connection is handled independently; a failed handshake terminates only
// that connection.
type TLSInterceptor struct {
	authority  *Authority
	dispatcher *Dispatcher
	pipeline   *Pipeline
	timeout    time.Duration
}

// NewTLSInterceptor creates a TLS interceptor.
func NewTLSInterceptor(authority *Authority, dispatcher *Dispatcher, pipeline *Pipeline, timeout time.Duration) *TLSInterceptor {
	return &TLSInterceptor{
		authority:  authority,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		timeout:    timeout,
	}
}

// HandleConnect hijacks a CONNECT request, acknowledges the tunnel and
// intercepts the TLS stream inside it.
func (t *TLSInterceptor) HandleConnect(w http.ResponseWriter, req *http.Request) {
	host := req.Host
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	logger.Debug("Intercepting CONNECT tunnel to %s", host)

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("CONNECT interception failed: %v",
			NewProxyError(ErrCodeHTTPHijackNotSupported, "connection cannot be hijacked for interception", nil))
		resp := errorResponse(http.StatusInternalServerError, ErrCodeHTTPHijackNotSupported)
		if writeErr := resp.writeTo(w); writeErr != nil {
			logger.Error("Failed to write hijack error response: %v", writeErr)
		}
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		logger.Error("CONNECT interception failed: %v",
			NewProxyError(ErrCodeHTTPHijackFailed, "failed to hijack connection", err))
		return
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Error("CONNECT interception failed: failed to send 200 response: %v", err)
		closeQuietly(clientConn)
		return
	}

	t.InterceptConn(clientConn, host)
}

// InterceptConn completes the server-side TLS handshake on conn and serves
// the decrypted stream. The leaf hostname comes from the client's SNI when
// present; fallbackHost (host or host:port, may be empty) covers clients
// that omit SNI.
func (t *TLSInterceptor) InterceptConn(conn net.Conn, fallbackHost string) {
	defer closeQuietly(conn)

	fallbackName := ""
	if fallbackHost != "" {
		fallbackName = stripPort(fallbackHost)
	}

	var servedName string
	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = fallbackName
			}
			if name == "" {
				return nil, NewProxyError(ErrCodeNoSNIHostname, "no SNI hostname and no tunnel target", nil)
			}
			servedName = name
			return t.authority.LeafCertificate(name)
		},
		MinVersion: tls.VersionTLS12,
	}

	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		logger.Warn("TLS handshake with client failed for %s: %v", fallbackHost, err)
		return
	}
	defer closeQuietly(tlsConn)

	logger.Debug("Established intercepted TLS session for %s", servedName)
	t.serveDecrypted(tlsConn, servedName)
}

// serveDecrypted reads HTTP requests off the decrypted stream and dispatches
// them until the client closes the connection. A WebSocket upgrade flips the
// connection into transparent byte-copy mode.
func (t *TLSInterceptor) serveDecrypted(tlsConn *tls.Conn, hostname string) {
	reader := bufio.NewReader(tlsConn)

	for {
		_ = tlsConn.SetReadDeadline(time.Now().Add(t.timeout))
		httpReq, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF && !isClosedConnError(err) && !isTimeoutError(err) {
				logger.Error("Error reading intercepted request: %v", err)
			}
			return
		}

		// A CONNECT inside an intercepted stream would bypass the rules.
		if httpReq.Method == http.MethodConnect {
			logger.Warn("Rejected CONNECT inside intercepted tunnel to %s", hostname)
			resp := newTextResponse(http.StatusMethodNotAllowed, "Method Not Allowed")
			_ = resp.toHTTPResponse(httpReq).Write(tlsConn)
			return
		}

		host := httpReq.Host
		if host == "" {
			host = hostname
		}

		if strings.EqualFold(httpReq.Header.Get("Upgrade"), "websocket") {
			t.tunnelWebSocket(tlsConn, reader, httpReq, host)
			return
		}

		req, err := newInterceptedRequest(httpReq, "https", host)
		if err != nil {
			logger.Error("Failed to parse intercepted request: %v", err)
			resp := errorResponse(http.StatusBadRequest, errorCodeFor(err, ErrCodeHTTPRequestReadFailed))
			_ = resp.toHTTPResponse(httpReq).Write(tlsConn)
			return
		}
		req.RemoteAddr = tlsConn.RemoteAddr().String()

		// A client hanging up mid-exchange must abort the upstream request and
		// leave nothing recorded, same as the plain HTTP path.
		ctx, stopWatch := watchClientClose(tlsConn, reader)
		resp, err := t.dispatcher.Dispatch(ctx, req)
		stopWatch()
		if err != nil {
			logger.Debug("Dispatch aborted for %s %s: %v", req.Method, req.URL, err)
			return
		}

		_ = tlsConn.SetWriteDeadline(time.Now().Add(t.timeout))
		if err := resp.toHTTPResponse(httpReq).Write(tlsConn); err != nil {
			logger.Error("Error writing intercepted response: %v", err)
			return
		}

		if httpReq.Close || strings.EqualFold(httpReq.Header.Get("Connection"), "close") {
			return
		}
	}
}

// watchClientClose returns a context that is cancelled when the client
// closes the connection while a dispatch is in flight. The request body has
// already been consumed, so between requests the stream only ever yields the
// next pipelined request or a close; Peek does not consume, so a pipelined
// request ends the watch without cancelling. stop unblocks the watcher and
// must be called before the next read on reader.
func watchClientClose(tlsConn *tls.Conn, reader *bufio.Reader) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	_ = tlsConn.SetReadDeadline(time.Time{})
	go func() {
		defer close(done)
		if _, err := reader.Peek(1); err != nil && !isTimeoutError(err) {
			cancel()
		}
	}()

	stop := func() {
		// An immediate deadline forces a pending Peek to return.
		_ = tlsConn.SetReadDeadline(time.Now())
		<-done
		cancel()
	}
	return ctx, stop
}

// tunnelWebSocket forwards a WebSocket upgrade to the original target and
// then copies bytes in both directions without parsing frames.
func (t *TLSInterceptor) tunnelWebSocket(tlsConn *tls.Conn, clientReader *bufio.Reader, upgradeReq *http.Request, host string) {
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	logger.Debug("Tunneling WebSocket upgrade to %s", addr)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	rawConn, err := t.pipeline.dialUpstream(ctx, "tcp", addr)
	cancel()
	if err != nil {
		logger.Error("WebSocket tunnel failed: unable to connect upstream: %v", err)
		_ = NewBadGatewayResponse(errorCodeFor(err, ErrCodeUpstreamConnectFailed)).Write(tlsConn)
		return
	}

	// The tunnel is opaque; upstream trust is the tunneled client's concern.
	upstreamConn := tls.Client(rawConn, &tls.Config{
		ServerName:         stripPort(addr),
		InsecureSkipVerify: true,
	})
	if err := upstreamConn.Handshake(); err != nil {
		logger.Error("WebSocket tunnel failed: upstream TLS handshake failed: %v", err)
		closeQuietly(rawConn)
		_ = NewBadGatewayResponse(ErrCodeTLSHandshakeFailed).Write(tlsConn)
		return
	}
	defer closeQuietly(upstreamConn)

	_ = upstreamConn.SetWriteDeadline(time.Now().Add(t.timeout))
	if err := upgradeReq.Write(upstreamConn); err != nil {
		logger.Error("WebSocket tunnel failed: error forwarding upgrade request: %v", err)
		return
	}

	wg := &sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyTunnelBytes(upstreamConn, clientReader, tlsConn, upstreamConn, t.timeout, "client->upstream")
	}()
	go func() {
		defer wg.Done()
		copyTunnelBytes(tlsConn, bufio.NewReader(upstreamConn), upstreamConn, tlsConn, t.timeout, "upstream->client")
	}()

	wg.Wait()
	logger.Debug("WebSocket tunnel to %s closed", addr)
}

// copyTunnelBytes shuttles raw bytes from src to dst with rolling deadlines.
func copyTunnelBytes(dst net.Conn, src *bufio.Reader, readConn, writeConn net.Conn, timeout time.Duration, direction string) {
	buffer := make([]byte, 32*1024)
	for {
		_ = readConn.SetReadDeadline(time.Now().Add(timeout))
		n, err := src.Read(buffer)
		if err != nil {
			if err != io.EOF && !isClosedConnError(err) && !isTimeoutError(err) {
				logger.Error("Tunnel read error (%s): %v", direction, err)
			}
			return
		}
		_ = writeConn.SetWriteDeadline(time.Now().Add(timeout))
		if _, err := dst.Write(buffer[:n]); err != nil {
			if !isClosedConnError(err) {
				logger.Error("Tunnel write error (%s): %v", direction, err)
			}
			return
		}
	}
}

// ServeDirectTLS accepts raw TLS connections on listener and intercepts
// them. The leaf hostname comes from SNI only; the first byte is sniffed and
// replayed so the TLS handshake sees the complete stream.
func (t *TLSInterceptor) ServeDirectTLS(listener net.Listener) error {
	logger.Info("Accepting direct TLS connections on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			logger.Error("Failed to accept direct TLS connection: %v", err)
			continue
		}

		go func() {
			buf := make([]byte, 1)
			if _, err := conn.Read(buf); err != nil {
				logger.Debug("Failed to read first byte of direct TLS connection: %v", err)
				closeQuietly(conn)
				return
			}

			t.InterceptConn(&bufferConn{Conn: conn, buf: buf}, "")
		}()
	}
}

// bufferConn replays already-consumed bytes before reading from the
// underlying connection.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func isTimeoutError(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
