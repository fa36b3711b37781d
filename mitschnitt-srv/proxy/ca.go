package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// Authority holds the root CA and mints per-host leaf certificates for MITM
// interception. Leaves are cached for the lifetime of the Authority; the
// cache grows with distinct hostnames and is never evicted, which is
// acceptable for test-scope lifetimes.
type Authority struct {
	caCert  *x509.Certificate
	caKey   crypto.PrivateKey
	certPEM []byte

	certCache      map[string]*tls.Certificate
	cacheMutex     sync.RWMutex
	certWaitGroups map[string]*sync.WaitGroup // Wait groups for ongoing leaf generation
	waitMutex      sync.RWMutex
}

// NewAuthority creates an Authority from PEM-encoded CA certificate and key
// material. Supported key formats are PKCS#1, PKCS#8 (RSA or EC) and SEC1 EC.
func NewAuthority(caCertPEM, caKeyPEM []byte) (*Authority, error) {
	if len(caCertPEM) == 0 || len(caKeyPEM) == 0 {
		return nil, NewProxyError(ErrCodeInvalidCAMaterial, "no CA certificate/key material supplied", nil)
	}

	block, _ := pem.Decode(caCertPEM)
	if block == nil {
		return nil, NewProxyError(ErrCodeCADecodeFailed, "failed to decode CA cert PEM", nil)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewProxyError(ErrCodeCAParseFailed, "failed to parse CA cert", err)
	}

	block, _ = pem.Decode(caKeyPEM)
	if block == nil {
		return nil, NewProxyError(ErrCodeCADecodeFailed, "failed to decode CA key PEM", nil)
	}

	// Try to parse the key as PKCS#1 first (RSA)
	var caKey crypto.PrivateKey
	pkcs1Key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// If that fails, try PKCS#8 format (supports both RSA and EC)
		logger.Debug("Failed to parse CA key as PKCS#1, trying PKCS#8: %v", err)
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			// If PKCS#8 also fails, try EC private key format
			logger.Debug("Failed to parse CA key as PKCS#8, trying EC: %v", err)
			ecKey, ecErr := x509.ParseECPrivateKey(block.Bytes)
			if ecErr != nil {
				return nil, NewProxyError(ErrCodeCAParseFailed,
					"failed to parse CA key (tried PKCS#1, PKCS#8, and EC)", ecErr)
			}
			caKey = ecKey
		} else {
			switch key := pkcs8Key.(type) {
			case *rsa.PrivateKey, *ecdsa.PrivateKey:
				caKey = key
			default:
				return nil, NewProxyError(ErrCodeCAKeyUnsupported,
					"CA key is not a supported private key type (RSA or EC)", nil)
			}
		}
	} else {
		caKey = pkcs1Key
	}

	return &Authority{
		caCert:         caCert,
		caKey:          caKey,
		certPEM:        append([]byte(nil), caCertPEM...),
		certCache:      make(map[string]*tls.Certificate),
		certWaitGroups: make(map[string]*sync.WaitGroup),
	}, nil
}

// NewEphemeralAuthority generates a self-signed root CA valid for the
// lifetime of the instance. Used when no CA material is configured.
func NewEphemeralAuthority() (*Authority, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, NewProxyError(ErrCodePrivateKeyGenFailed, "failed to generate ephemeral CA key", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "Mitschnitt Ephemeral CA",
			Organization: []string{"mitschnitt"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(7 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "failed to create ephemeral CA certificate", err)
	}

	caCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, NewProxyError(ErrCodeCAParseFailed, "failed to parse ephemeral CA certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	logger.Info("Generated ephemeral CA: %s", caCert.Subject.CommonName)

	return &Authority{
		caCert:         caCert,
		caKey:          priv,
		certPEM:        certPEM,
		certCache:      make(map[string]*tls.Certificate),
		certWaitGroups: make(map[string]*sync.WaitGroup),
	}, nil
}

// CertificatePEM returns the root certificate in PEM form, suitable for
// installing into a client trust store.
func (a *Authority) CertificatePEM() []byte {
	return append([]byte(nil), a.certPEM...)
}

// LeafCertificate returns a certificate for the given host, generating and
// caching it on first use. Concurrent first-time requests for the same host
// coordinate through a per-host wait group so only one generation runs.
func (a *Authority) LeafCertificate(host string) (*tls.Certificate, error) {
	hostname := stripPort(host)

	// First check if we already have a certificate for this hostname
	a.cacheMutex.RLock()
	cert, ok := a.certCache[hostname]
	a.cacheMutex.RUnlock()
	if ok {
		logger.Debug("Using cached certificate for %s", hostname)
		return cert, nil
	}

	// Now check if another goroutine is already generating this certificate
	a.waitMutex.RLock()
	wg, isGenerating := a.certWaitGroups[hostname]
	a.waitMutex.RUnlock()

	if isGenerating {
		logger.Debug("Waiting for another goroutine to generate certificate for %s", hostname)
		wg.Wait()

		a.cacheMutex.RLock()
		cert, ok = a.certCache[hostname]
		a.cacheMutex.RUnlock()
		if ok {
			return cert, nil
		}
		// If we get here, something went wrong in the other goroutine
		return nil, NewProxyError(ErrCodeCertGenerationFailed,
			fmt.Sprintf("certificate generation failed for %s", hostname), nil)
	}

	logger.Debug("Generating new certificate for %s", hostname)

	wg = &sync.WaitGroup{}
	wg.Add(1)
	a.waitMutex.Lock()
	a.certWaitGroups[hostname] = wg
	a.waitMutex.Unlock()

	defer func() {
		wg.Done()
		a.waitMutex.Lock()
		delete(a.certWaitGroups, hostname)
		a.waitMutex.Unlock()
	}()

	a.cacheMutex.Lock()
	defer a.cacheMutex.Unlock()

	// Check again under write lock to avoid a race where another goroutine
	// has already created the certificate
	cert, ok = a.certCache[hostname]
	if ok {
		logger.Debug("Another goroutine already generated certificate for %s", hostname)
		return cert, nil
	}

	newCert, err := a.generateLeaf(hostname)
	if err != nil {
		return nil, err
	}

	a.certCache[hostname] = newCert
	logger.Debug("Generated and cached new certificate for %s", hostname)

	return newCert, nil
}

// generateLeaf mints a certificate for hostname signed by the root CA.
func (a *Authority) generateLeaf(hostname string) (*tls.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().Add(24 * 365 * time.Hour), // 1 year
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, NewProxyError(ErrCodePrivateKeyGenFailed, "failed to generate private key", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, &priv.PublicKey, a.caKey)
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "failed to create certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	newCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, NewProxyError(ErrCodeX509KeyPairFailed, "failed to create X509 key pair", err)
	}

	return &newCert, nil
}
