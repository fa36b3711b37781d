package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// Dispatcher executes the action of the rule matching a request. Every
// per-request failure is converted to an HTTP response here; only a client
// disconnect aborts without a response.
type Dispatcher struct {
	rules    *RuleSet
	pipeline *Pipeline
	recorder *SeenRecorder
}

// NewDispatcher creates a dispatcher over the given rule set, pipeline and
// recorder.
func NewDispatcher(rules *RuleSet, pipeline *Pipeline, recorder *SeenRecorder) *Dispatcher {
	return &Dispatcher{
		rules:    rules,
		pipeline: pipeline,
		recorder: recorder,
	}
}

// Dispatch matches req against the rule set and executes the matched action.
// The request is recorded against the matched rule once the exchange
// concluded, with the pre-rewrite snapshot; a client disconnect mid-exchange
// records nothing and returns the cancellation error.
func (d *Dispatcher) Dispatch(ctx context.Context, req *InterceptedRequest) (*InterceptedResponse, error) {
	rule := d.rules.Match(req)
	if rule == nil {
		logger.Debug("No rule configured for %s %s", req.Method, req.URL)
		return noMatchResponse(req), nil
	}

	// Snapshot before rewrite hooks run so the recorded request is the one
	// the client actually sent.
	snapshot := req.Clone()

	var resp *InterceptedResponse
	switch action := rule.Action.(type) {
	case StaticReply:
		var err error
		resp, err = synthesizeStaticReply(action)
		if err != nil {
			logger.Error("Failed to synthesize static reply for rule %s: %v", rule.ID, err)
			resp = errorResponse(http.StatusInternalServerError, ErrCodeInternalError)
		}

	case Callback:
		resp = d.invokeCallback(action, req, rule.ID)

	case PassThrough:
		upstream, err := d.pipeline.Execute(ctx, req, action.RewriteHooks, action.IgnoreCertErrorsFor, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			logger.Warn("Pass-through for rule %s failed: %v", rule.ID, err)
			resp = badGatewayResponse(err)
		} else {
			resp = upstream
		}

	case ForwardTo:
		// Validated at registration; a parse failure here is a programming
		// error.
		target, err := url.Parse(action.Target)
		if err != nil {
			logger.Error("Forward target %q became unparseable: %v", action.Target, err)
			resp = errorResponse(http.StatusInternalServerError, ErrCodeInternalError)
			break
		}
		upstream, err := d.pipeline.Execute(ctx, req, action.RewriteHooks, action.IgnoreCertErrorsFor, target)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			logger.Warn("Forward to %s for rule %s failed: %v", action.Target, rule.ID, err)
			resp = badGatewayResponse(err)
		} else {
			resp = upstream
		}

	default:
		logger.Error("Unknown action type %T for rule %s", rule.Action, rule.ID)
		resp = errorResponse(http.StatusInternalServerError, ErrCodeInternalError)
	}

	d.recorder.Record(rule.ID, snapshot)
	return resp, nil
}

// invokeCallback runs a callback handler, converting errors and panics into
// 500-class responses for this request only.
func (d *Dispatcher) invokeCallback(action Callback, req *InterceptedRequest, ruleID string) (resp *InterceptedResponse) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Callback handler for rule %s panicked: %v", ruleID, r)
			resp = errorResponse(http.StatusInternalServerError, ErrCodeCallbackPanic)
		}
	}()

	result, err := action.Handler(req)
	if err != nil {
		logger.Warn("Callback handler for rule %s returned error: %v", ruleID, err)
		return errorResponse(http.StatusInternalServerError, ErrCodeCallbackFailed)
	}
	if result == nil {
		logger.Warn("Callback handler for rule %s returned no response", ruleID)
		return errorResponse(http.StatusInternalServerError, ErrCodeCallbackFailed)
	}
	return result
}

// synthesizeStaticReply builds the response of a StaticReply action. A JSON
// payload takes precedence over raw body bytes.
func synthesizeStaticReply(action StaticReply) (*InterceptedResponse, error) {
	status := action.Status
	if status == 0 {
		status = http.StatusOK
	}

	var resp *InterceptedResponse
	if action.JSON != nil {
		var err error
		resp, err = newJSONResponse(status, action.JSON)
		if err != nil {
			return nil, err
		}
	} else {
		resp = &InterceptedResponse{
			StatusCode: status,
			Header:     make(http.Header),
			Body:       append([]byte(nil), action.Body...),
		}
	}

	for key, values := range action.Header {
		resp.Header.Del(key)
		for _, value := range values {
			resp.Header.Add(key, value)
		}
	}
	return resp, nil
}

// noMatchResponse is the fixed diagnostic answer for requests no rule covers.
func noMatchResponse(req *InterceptedRequest) *InterceptedResponse {
	body := fmt.Sprintf("503 Service Unavailable\n\nError Code: %s\nDescription: %s\nRequest: %s %s\n",
		ErrCodeNoMatchingRule, GetErrorDescription(ErrCodeNoMatchingRule), req.Method, req.URL)
	resp := newTextResponse(http.StatusServiceUnavailable, body)
	resp.Header.Set("X-Mitschnitt-Error", ErrCodeNoMatchingRule)
	return resp
}

// badGatewayResponse converts an upstream failure into the fixed 502. The
// body names the failure class and never carries upstream content.
func badGatewayResponse(err error) *InterceptedResponse {
	code := errorCodeFor(err, ErrCodeUpstreamConnectFailed)
	body := fmt.Sprintf("502 Bad Gateway\n\nError Code: %s\nDescription: %s\n", code, GetErrorDescription(code))
	resp := newTextResponse(http.StatusBadGateway, body)
	resp.Header.Set("X-Mitschnitt-Error", code)
	return resp
}

// errorResponse builds a generic coded error response.
func errorResponse(status int, code string) *InterceptedResponse {
	body := fmt.Sprintf("%d %s\n\nError Code: %s\nDescription: %s\n",
		status, http.StatusText(status), code, GetErrorDescription(code))
	resp := newTextResponse(status, body)
	resp.Header.Set("X-Mitschnitt-Error", code)
	return resp
}
