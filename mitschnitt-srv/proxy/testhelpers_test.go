package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/config"
)

// generateTestCA creates a CA certificate and key pair for testing
func generateTestCA(t *testing.T) ([]byte, []byte) {
	caPrivKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "Failed to generate CA private key")

	caTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "Test CA",
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caPrivKey.PublicKey, caPrivKey)
	require.NoError(t, err, "Failed to create CA certificate")

	caCertPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caBytes})
	caKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caPrivKey)})

	return caCertPEM, caKeyPEM
}

// testConfig returns a minimal proxy configuration for tests
func testConfig() *config.Config {
	return &config.Config{
		ListenAddress:  "127.0.0.1:0",
		TimeoutSeconds: 5,
		Recording:      config.RecordingConfig{Backend: "dummy"},
		Portal:         config.PortalConfig{Host: "mitschnitt.test"},
	}
}

// startTestProxy starts a proxy instance on a random port and returns it
// together with its address. The proxy is stopped on test cleanup.
func startTestProxy(t *testing.T, cfg *config.Config) (*Server, string) {
	if cfg == nil {
		cfg = testConfig()
	}

	server, err := NewServer(cfg)
	require.NoError(t, err, "Failed to create proxy server")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "Failed to create listener")

	go func() {
		_ = server.StartWithListener(listener)
	}()
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})

	return server, listener.Addr().String()
}

// proxyHTTPClient returns an HTTP client routed through the proxy. When
// caPEM is non-nil, the proxy's root certificate is trusted so intercepted
// HTTPS exchanges succeed.
func proxyHTTPClient(t *testing.T, proxyAddr string, caPEM []byte) *http.Client {
	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err, "Failed to parse proxy URL")

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
	}
	if caPEM != nil {
		pool := x509.NewCertPool()
		require.True(t, pool.AppendCertsFromPEM(caPEM), "Failed to add CA to pool")
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}
}
