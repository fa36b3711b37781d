package portal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// CertificateSource exposes the proxy's root certificate for download.
type CertificateSource interface {
	CertificatePEM() []byte
}

// RuleView is the wire form of a registered rule.
type RuleView struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	RegisteredAt time.Time `json:"registered_at"`
	SeenCount    int       `json:"seen_count"`
}

// SeenRequestView is the wire form of a recorded request.
type SeenRequestView struct {
	ID     string              `json:"id"`
	Method string              `json:"method"`
	URL    string              `json:"url"`
	Host   string              `json:"host"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body,omitempty"`
	SeenAt time.Time           `json:"seen_at"`
}

// Directory exposes the proxy's rule set and recording log to the portal.
type Directory interface {
	Rules() []RuleView
	SeenRequests(ruleID string) ([]SeenRequestView, bool)
}

// Portal answers requests addressed to the proxy's magic host from inside a
// proxied connection: the root certificate, the registered rules and the
// per-rule seen-request log. With a configured secret, the API endpoints
// require a bearer token.
type Portal struct {
	host   string
	secret string
	certs  CertificateSource
	dir    Directory
}

// New creates a portal for the configured magic host.
func New(cfg config.PortalConfig, certs CertificateSource, dir Directory) *Portal {
	return &Portal{
		host:   cfg.Host,
		secret: cfg.Secret,
		certs:  certs,
		dir:    dir,
	}
}

// IsPortalRequest reports whether the request is addressed to the magic
// host. The port is ignored.
func (p *Portal) IsPortalRequest(r *http.Request) bool {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return strings.EqualFold(host, p.host)
}

func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Portal request: %s %s", r.Method, r.URL.Path)

	switch {
	case r.URL.Path == "/" || r.URL.Path == "":
		p.serveIndex(w)
	case r.URL.Path == "/ca.crt":
		p.serveCACert(w)
	case r.URL.Path == "/api/rules":
		if !p.authorize(w, r) {
			return
		}
		p.serveRules(w)
	case strings.HasPrefix(r.URL.Path, "/api/rules/") && strings.HasSuffix(r.URL.Path, "/seen"):
		if !p.authorize(w, r) {
			return
		}
		ruleID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/rules/"), "/seen")
		p.serveSeenRequests(w, ruleID)
	default:
		http.NotFound(w, r)
	}
}

func (p *Portal) serveIndex(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "mitschnitt portal (%s)\n\n/ca.crt\n/api/rules\n/api/rules/{id}/seen\n", p.host)
}

func (p *Portal) serveCACert(w http.ResponseWriter) {
	pem := p.certs.CertificatePEM()
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="mitschnitt-ca.crt"`)
	if _, err := w.Write(pem); err != nil {
		logger.Error("Failed to write CA certificate: %v", err)
	}
}

func (p *Portal) serveRules(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, p.dir.Rules())
}

func (p *Portal) serveSeenRequests(w http.ResponseWriter, ruleID string) {
	seen, ok := p.dir.SeenRequests(ruleID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown rule id"})
		return
	}
	writeJSON(w, http.StatusOK, seen)
}

// authorize validates the bearer token when a portal secret is configured.
// Without a secret the API is open.
func (p *Portal) authorize(w http.ResponseWriter, r *http.Request) bool {
	if p.secret == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return false
	}
	tokenString := strings.TrimPrefix(auth, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(p.secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		logger.Warn("Portal token rejected: %v", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return false
	}
	return true
}

// IssueToken creates a bearer token for the portal API, signed with the
// portal secret.
func IssueToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": "mitschnitt-portal",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign portal token: %w", err)
	}
	return signed, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode portal response: %v", err)
	}
}
