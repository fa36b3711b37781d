package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Registration Errors (E1000-E1999)
	ErrCodeInvalidCAMaterial     = "E1001"
	ErrCodeCADecodeFailed        = "E1002"
	ErrCodeCAParseFailed         = "E1003"
	ErrCodeCAKeyUnsupported      = "E1004"
	ErrCodeInvalidForwardTarget  = "E1005"
	ErrCodeInvalidRulePredicate  = "E1006"
	ErrCodeListenerCreateFailed  = "E1007"
	ErrCodeRecorderInitFailed    = "E1008"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeUpstreamConnectFailed = "E2001"
	ErrCodeUpstreamTimeout       = "E2002"
	ErrCodeDNSResolutionFailed   = "E2003"
	ErrCodeInvalidAddress        = "E2004"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertGenerationFailed = "E3002"
	ErrCodeNoSNIHostname        = "E3003"
	ErrCodePrivateKeyGenFailed  = "E3004"
	ErrCodeX509KeyPairFailed    = "E3005"
	ErrCodeUpstreamTrustFailed  = "E3006"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4002"
	ErrCodeHTTPBodyReadFailed      = "E4003"
	ErrCodeHTTPHijackFailed        = "E4004"
	ErrCodeHTTPHijackNotSupported  = "E4005"

	// Rule Engine Errors (E6000-E6999)
	ErrCodeNoMatchingRule    = "E6001"
	ErrCodeRewriteHookFailed = "E6002"

	// Handler Errors (E8000-E8999)
	ErrCodeCallbackFailed  = "E8001"
	ErrCodeCallbackPanic   = "E8002"

	// Internal Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeInvalidCAMaterial:    "Invalid or unusable CA certificate/key material",
	ErrCodeCADecodeFailed:       "Failed to decode CA certificate or key PEM",
	ErrCodeCAParseFailed:        "Failed to parse CA certificate or key",
	ErrCodeCAKeyUnsupported:     "CA private key is not a supported key type",
	ErrCodeInvalidForwardTarget: "Forward target must not contain a path",
	ErrCodeInvalidRulePredicate: "Invalid rule predicate",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeRecorderInitFailed:   "Failed to initialize seen-request store",

	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeUpstreamTimeout:       "Upstream exchange timed out",
	ErrCodeDNSResolutionFailed:   "Failed to resolve upstream host",
	ErrCodeInvalidAddress:        "Invalid network address format",

	ErrCodeTLSHandshakeFailed:   "TLS handshake failed",
	ErrCodeCertGenerationFailed: "Failed to generate leaf certificate",
	ErrCodeNoSNIHostname:        "No SNI hostname provided in TLS handshake",
	ErrCodePrivateKeyGenFailed:  "Failed to generate private key",
	ErrCodeX509KeyPairFailed:    "Failed to create X.509 key pair",
	ErrCodeUpstreamTrustFailed:  "Upstream certificate chain is not trusted",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPBodyReadFailed:      "Failed to read HTTP message body",
	ErrCodeHTTPHijackFailed:        "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported:  "HTTP connection hijacking not supported",

	ErrCodeNoMatchingRule:    "No rule configured for this request",
	ErrCodeRewriteHookFailed: "Request rewrite hook failed",

	ErrCodeCallbackFailed: "Callback handler returned an error",
	ErrCodeCallbackPanic:  "Callback handler panicked",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConfigurationError checks if the error is configuration or registration related
func IsConfigurationError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E1000" && proxyErr.Code < "E2000"
	}
	return false
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code >= "E3000" && proxyErr.Code < "E4000"
	}
	return false
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an
// error code. The body names the failure class; it never carries upstream
// response content.
func NewBadGatewayResponse(errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	body := fmt.Sprintf("502 Bad Gateway\n\nError Code: %s\nDescription: %s\n", errorCode, description)
	bodyBytes := []byte(body)

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Mitschnitt-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}

// errorCodeFor extracts the proxy error code from an error, falling back to
// the given default.
func errorCodeFor(err error, defaultCode string) string {
	if proxyErr, ok := err.(*Error); ok {
		return proxyErr.Code
	}
	return defaultCode
}
