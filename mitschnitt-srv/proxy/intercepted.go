package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// InterceptedRequest is the parsed form of a request flowing through the
// proxy. It is produced once per incoming request; rewrite hooks may mutate
// it or return an override, both are honored.
type InterceptedRequest struct {
	Method     string
	URL        *url.URL
	Proto      string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	ReceivedAt time.Time
}

// newInterceptedRequest parses an incoming request into an
// InterceptedRequest, fully reading the body. scheme and host fill in URL
// fields that origin-form requests leave empty.
func newInterceptedRequest(req *http.Request, scheme, host string) (*InterceptedRequest, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		closeErr := req.Body.Close()
		if err != nil {
			return nil, NewProxyError(ErrCodeHTTPBodyReadFailed, "failed to read request body", err)
		}
		if closeErr != nil {
			return nil, NewProxyError(ErrCodeHTTPBodyReadFailed, "failed to close request body", closeErr)
		}
	}

	u := *req.URL
	if u.Scheme == "" {
		u.Scheme = scheme
	}
	if u.Host == "" {
		u.Host = host
	}

	return &InterceptedRequest{
		Method:     req.Method,
		URL:        &u,
		Proto:      req.Proto,
		Header:     req.Header.Clone(),
		Body:       body,
		RemoteAddr: req.RemoteAddr,
		ReceivedAt: time.Now(),
	}, nil
}

// Clone returns a deep copy, used to snapshot the request before rewrite
// hooks run so the recorded request is the original one.
func (r *InterceptedRequest) Clone() *InterceptedRequest {
	u := *r.URL
	return &InterceptedRequest{
		Method:     r.Method,
		URL:        &u,
		Proto:      r.Proto,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		RemoteAddr: r.RemoteAddr,
		ReceivedAt: r.ReceivedAt,
	}
}

// BodyText returns the body decoded as text.
func (r *InterceptedRequest) BodyText() string {
	return string(r.Body)
}

// BodyJSON queries the body as JSON using gjson path syntax. An empty path
// returns the root value.
func (r *InterceptedRequest) BodyJSON(path string) gjson.Result {
	if path == "" {
		return gjson.ParseBytes(r.Body)
	}
	return gjson.GetBytes(r.Body, path)
}

// BodyBytes returns the raw body bytes.
func (r *InterceptedRequest) BodyBytes() []byte {
	return r.Body
}

// Host returns the request's target host (without port if none was given).
func (r *InterceptedRequest) Host() string {
	return r.URL.Host
}

// toHTTPRequest converts back to an *http.Request for the upstream pipeline.
func (r *InterceptedRequest) toHTTPRequest() (*http.Request, error) {
	req, err := http.NewRequest(r.Method, r.URL.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.ContentLength = int64(len(r.Body))
	req.Host = r.URL.Host
	return req, nil
}

// InterceptedResponse is the response produced by an action, real or
// synthetic.
type InterceptedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// newJSONResponse synthesizes a JSON response from an arbitrary value.
func newJSONResponse(status int, v any) (*InterceptedResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON reply: %w", err)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &InterceptedResponse{StatusCode: status, Header: header, Body: body}, nil
}

// newTextResponse synthesizes a plain-text response.
func newTextResponse(status int, body string) *InterceptedResponse {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &InterceptedResponse{StatusCode: status, Header: header, Body: []byte(body)}
}

// fromHTTPResponse captures an upstream response, fully reading the body.
func fromHTTPResponse(resp *http.Response) (*InterceptedResponse, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return nil, NewProxyError(ErrCodeHTTPBodyReadFailed, "failed to read response body", err)
		}
		if closeErr != nil {
			return nil, NewProxyError(ErrCodeHTTPBodyReadFailed, "failed to close response body", closeErr)
		}
	}
	return &InterceptedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// toHTTPResponse converts to an *http.Response for writing to a hijacked
// connection.
func (r *InterceptedResponse) toHTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Transfer-Encoding")
	header.Set("Content-Length", fmt.Sprintf("%d", len(r.Body)))

	status := fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode))
	return &http.Response{
		Status:        status,
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// writeTo writes the response to a plain http.ResponseWriter.
func (r *InterceptedResponse) writeTo(w http.ResponseWriter) error {
	for key, values := range r.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(r.Body)))
	w.WriteHeader(r.StatusCode)
	if _, err := w.Write(r.Body); err != nil {
		return NewProxyError(ErrCodeHTTPResponseWriteFailed, "failed to write response", err)
	}
	return nil
}
