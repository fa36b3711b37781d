package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/portal"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/resolver"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/stats"
)

// Server is an intercepting proxy instance. It terminates plain HTTP and
// MITM-decrypts HTTPS, matches every request against the registered rules
// and executes the matched action. Rules are registered through Register;
// each returned handle exposes the requests the rule has seen.
type Server struct {
	config      *config.Config
	authority   *Authority
	rules       *RuleSet
	recorder    *SeenRecorder
	store       stats.Recorder
	pipeline    *Pipeline
	dispatcher  *Dispatcher
	interceptor *TLSInterceptor
	portal      *portal.Portal

	httpServer     *http.Server
	listener       net.Listener
	directListener net.Listener
}

// NewServer creates a proxy instance from the given configuration. Without
// configured CA material an ephemeral root CA is generated for the
// instance's lifetime.
func NewServer(cfg *config.Config) (*Server, error) {
	certPEM, keyPEM, err := cfg.Interception.CAMaterial()
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidCAMaterial, "failed to load CA material", err)
	}

	var authority *Authority
	if certPEM == nil {
		authority, err = NewEphemeralAuthority()
	} else {
		authority, err = NewAuthority(certPEM, keyPEM)
	}
	if err != nil {
		return nil, err
	}

	store, err := stats.NewRecorderFactory().CreateRecorder(cfg.Recording)
	if err != nil {
		return nil, NewProxyError(ErrCodeRecorderInitFailed, "failed to initialize seen-request store", err)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	pipeline := NewPipeline(timeout, cfg.Forward, resolver.NewProber())
	rules := NewRuleSet()
	recorder := NewSeenRecorder(store)
	dispatcher := NewDispatcher(rules, pipeline, recorder)
	interceptor := NewTLSInterceptor(authority, dispatcher, pipeline, timeout)

	s := &Server{
		config:      cfg,
		authority:   authority,
		rules:       rules,
		recorder:    recorder,
		store:       store,
		pipeline:    pipeline,
		dispatcher:  dispatcher,
		interceptor: interceptor,
	}
	s.portal = portal.New(cfg.Portal, authority, &portalDirectory{server: s})
	return s, nil
}

// Register adds a rule and returns its handle. ForwardTo targets are
// validated here; a target carrying a path is rejected with an error naming
// the corrected target.
func (s *Server) Register(pred Predicate, action Action) (*RuleHandle, error) {
	rule, err := s.rules.Register(pred, action)
	if err != nil {
		return nil, err
	}
	return &RuleHandle{rule: rule, recorder: s.recorder}, nil
}

// CertificatePEM returns the root certificate clients must trust for MITM
// interception.
func (s *Server) CertificatePEM() []byte {
	return s.authority.CertificatePEM()
}

// Addr returns the address the proxy is listening on, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// DirectTLSAddr returns the address of the direct-TLS listener, or "" when
// none is configured or the proxy has not started.
func (s *Server) DirectTLSAddr() string {
	if s.directListener == nil {
		return ""
	}
	return s.directListener.Addr().String()
}

// Start listens on the configured address and serves until Stop. When a
// direct-TLS address is configured, a second listener accepts raw TLS
// connections on it.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed,
			"failed to listen on "+s.config.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on the given listener. It blocks until Stop is
// called or the listener fails.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.listener = listener

	if s.config.DirectTLSAddress != "" {
		directListener, err := net.Listen("tcp", s.config.DirectTLSAddress)
		if err != nil {
			return NewProxyError(ErrCodeListenerCreateFailed,
				"failed to listen on "+s.config.DirectTLSAddress, err)
		}
		s.directListener = directListener
		go func() {
			if err := s.interceptor.ServeDirectTLS(directListener); err != nil {
				logger.Error("Direct TLS listener failed: %v", err)
			}
		}()
	}

	timeout := time.Duration(s.config.TimeoutSeconds) * time.Second
	s.httpServer = &http.Server{
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	logger.Info("Starting intercepting proxy on %s", listener.Addr())
	err := s.httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the proxy down and clears the seen-request log.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.directListener != nil {
		if err := s.directListener.Close(); err != nil && !isClosedConnError(err) && firstErr == nil {
			firstErr = err
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.recorder.Reset()
	logger.Info("Proxy stopped")
	return firstErr
}

// handleRequest is the entry point for the main listener: portal requests
// are answered locally, CONNECT starts interception, everything else is a
// plain HTTP request dispatched directly.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.portal.IsPortalRequest(r) {
		s.portal.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodConnect {
		s.interceptor.HandleConnect(w, r)
		return
	}

	req, err := newInterceptedRequest(r, "http", r.Host)
	if err != nil {
		logger.Error("Failed to parse request: %v", err)
		resp := errorResponse(http.StatusBadRequest, errorCodeFor(err, ErrCodeHTTPRequestReadFailed))
		if writeErr := resp.writeTo(w); writeErr != nil {
			logger.Error("Failed to write error response: %v", writeErr)
		}
		return
	}
	req.RemoteAddr = r.RemoteAddr

	resp, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		logger.Debug("Dispatch aborted for %s %s: %v", req.Method, req.URL, err)
		return
	}

	if err := resp.writeTo(w); err != nil {
		logger.Error("Failed to write response: %v", err)
	}
}

// portalDirectory adapts the server's rule set and recorder to the portal's
// read-only view.
type portalDirectory struct {
	server *Server
}

func (d *portalDirectory) Rules() []portal.RuleView {
	rules := d.server.rules.Rules()
	views := make([]portal.RuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, portal.RuleView{
			ID:           rule.ID,
			Action:       rule.Action.actionKind(),
			RegisteredAt: rule.RegisteredAt,
			SeenCount:    d.server.recorder.Count(rule.ID),
		})
	}
	return views
}

func (d *portalDirectory) SeenRequests(ruleID string) ([]portal.SeenRequestView, bool) {
	if d.server.rules.Lookup(ruleID) == nil {
		return nil, false
	}
	seen := d.server.recorder.SeenRequests(ruleID)
	views := make([]portal.SeenRequestView, 0, len(seen))
	for _, entry := range seen {
		views = append(views, portal.SeenRequestView{
			ID:     entry.ID,
			Method: entry.Request.Method,
			URL:    entry.Request.URL.String(),
			Host:   entry.Request.URL.Host,
			Header: entry.Request.Header,
			Body:   entry.Request.Body,
			SeenAt: entry.SeenAt,
		})
	}
	return views, true
}
