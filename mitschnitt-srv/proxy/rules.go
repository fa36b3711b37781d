package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/google/uuid"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// Predicate decides whether a rule applies to a request.
type Predicate interface {
	Matches(req *InterceptedRequest) bool
}

// PredicateFunc adapts a plain function to the Predicate interface.
type PredicateFunc func(req *InterceptedRequest) bool

func (f PredicateFunc) Matches(req *InterceptedRequest) bool { return f(req) }

// MatchMethod matches requests with the given method. An empty method
// matches everything.
func MatchMethod(method string) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return method == "" || strings.EqualFold(req.Method, method)
	})
}

// MatchHost matches requests targeting the given host. The port is ignored
// on both sides.
func MatchHost(host string) Predicate {
	want := stripPort(host)
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return strings.EqualFold(stripPort(req.URL.Host), want)
	})
}

// MatchPath matches requests whose URL path equals path exactly.
func MatchPath(path string) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return req.URL.Path == path
	})
}

// MatchPathPrefix matches requests whose URL path starts with prefix.
func MatchPathPrefix(prefix string) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return strings.HasPrefix(req.URL.Path, prefix)
	})
}

// MatchQuery matches requests carrying the given query parameter value.
func MatchQuery(key, value string) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return req.URL.Query().Get(key) == value
	})
}

// MatchHeader matches requests carrying the given header value.
func MatchHeader(key, value string) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return req.Header.Get(key) == value
	})
}

// MatchBodyContainsAny matches requests whose body contains at least one of
// the given substrings. All patterns are searched in a single pass.
func MatchBodyContainsAny(patterns ...string) Predicate {
	trie := ahocorasick.NewTrieBuilder().AddStrings(patterns).Build()
	return PredicateFunc(func(req *InterceptedRequest) bool {
		if len(req.Body) == 0 {
			return false
		}
		return trie.MatchFirst(req.Body) != nil
	})
}

// MatchBodyJSON matches requests whose JSON body has the given value at the
// given gjson path.
func MatchBodyJSON(path, value string) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		result := req.BodyJSON(path)
		return result.Exists() && result.String() == value
	})
}

// MatchAll combines predicates conjunctively. With no arguments it matches
// every request.
func MatchAll(preds ...Predicate) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		for _, p := range preds {
			if !p.Matches(req) {
				return false
			}
		}
		return true
	})
}

// MatchAny combines predicates disjunctively.
func MatchAny(preds ...Predicate) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		for _, p := range preds {
			if p.Matches(req) {
				return true
			}
		}
		return false
	})
}

// MatchNot negates a predicate.
func MatchNot(pred Predicate) Predicate {
	return PredicateFunc(func(req *InterceptedRequest) bool {
		return !pred.Matches(req)
	})
}

// stripPort removes a port suffix from host. Bare IPv6 literals carry colons
// without a port and pass through unchanged.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// RequestOverride is a partial replacement returned by a rewrite hook. Only
// set fields replace the original; zero fields keep it. Body replacement is
// flagged explicitly so an empty body can be set.
type RequestOverride struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	SetBody bool
}

// RewriteHook inspects and possibly rewrites a request before it is sent
// upstream. A hook may mutate req directly, return an override, or both.
// Returning (nil, nil) keeps the request as-is.
type RewriteHook func(req *InterceptedRequest) (*RequestOverride, error)

// Action is the behavior a rule applies to a matched request. It is a closed
// set: StaticReply, PassThrough, ForwardTo and Callback. Dispatch switches
// on the concrete type.
type Action interface {
	actionKind() string
}

// StaticReply answers the request with a fixed synthetic response. If JSON
// is non-nil it is marshaled as the body with a JSON content type; otherwise
// Body is used verbatim.
type StaticReply struct {
	Status int
	Body   []byte
	JSON   any
	Header http.Header
}

func (StaticReply) actionKind() string { return "static-reply" }

// PassThrough forwards the request to its original target, optionally
// rewritten. Hosts in IgnoreCertErrorsFor skip upstream certificate
// validation; validation for every other host is unaffected.
type PassThrough struct {
	RewriteHooks        []RewriteHook
	IgnoreCertErrorsFor []string
}

func (PassThrough) actionKind() string { return "pass-through" }

// ForwardTo forwards the request to a different origin, preserving the
// original path and query. Target must be scheme://host[:port] with no path.
type ForwardTo struct {
	Target              string
	RewriteHooks        []RewriteHook
	IgnoreCertErrorsFor []string
}

func (ForwardTo) actionKind() string { return "forward-to" }

// Callback delegates response synthesis to a handler. A handler error or
// panic yields a 500-class response for this request only.
type Callback struct {
	Handler func(req *InterceptedRequest) (*InterceptedResponse, error)
}

func (Callback) actionKind() string { return "callback" }

// validateForwardTarget checks a ForwardTo target at registration time. The
// target must be scheme://host[:port] with no path, query or fragment; the
// returned error message ends with the path-stripped corrected target.
func validateForwardTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidForwardTarget,
			fmt.Sprintf("invalid forward target %q", target), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewProxyError(ErrCodeInvalidForwardTarget,
			fmt.Sprintf("forward target %q must use http or https", target), nil)
	}
	if u.Host == "" {
		return nil, NewProxyError(ErrCodeInvalidForwardTarget,
			fmt.Sprintf("forward target %q has no host", target), nil)
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		corrected := u.Scheme + "://" + u.Host
		return nil, NewProxyError(ErrCodeInvalidForwardTarget,
			fmt.Sprintf("forward target %q must not contain a path, use %s", target, corrected), nil)
	}
	return u, nil
}

// Rule pairs a predicate with an action. Immutable once registered.
type Rule struct {
	ID           string
	Predicate    Predicate
	Action       Action
	RegisteredAt time.Time
}

// RuleSet holds the ordered rules of a proxy instance. Registration order is
// significant: the most-recently-registered matching rule wins, so a test
// can refine a broad rule with a narrower later one.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Register validates and appends a rule, returning it. ForwardTo targets are
// validated here, not at request time.
func (s *RuleSet) Register(pred Predicate, action Action) (*Rule, error) {
	if pred == nil {
		return nil, NewProxyError(ErrCodeInvalidRulePredicate, "rule predicate must not be nil", nil)
	}
	if action == nil {
		return nil, NewProxyError(ErrCodeInvalidRulePredicate, "rule action must not be nil", nil)
	}
	if fwd, ok := action.(ForwardTo); ok {
		if _, err := validateForwardTarget(fwd.Target); err != nil {
			return nil, err
		}
	}

	rule := &Rule{
		ID:           uuid.NewString(),
		Predicate:    pred,
		Action:       action,
		RegisteredAt: time.Now(),
	}

	s.mu.Lock()
	s.rules = append(s.rules, rule)
	s.mu.Unlock()

	logger.Debug("Registered rule %s (%s)", rule.ID, action.actionKind())
	return rule, nil
}

// Match returns the most-recently-registered rule whose predicate holds, or
// nil when no rule matches.
func (s *RuleSet) Match(req *InterceptedRequest) *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.rules) - 1; i >= 0; i-- {
		if s.rules[i].Predicate.Matches(req) {
			return s.rules[i]
		}
	}
	return nil
}

// Rules returns a snapshot of all registered rules in registration order.
func (s *RuleSet) Rules() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Lookup returns the rule with the given id, or nil.
func (s *RuleSet) Lookup(id string) *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.rules {
		if rule.ID == id {
			return rule
		}
	}
	return nil
}

// Len returns the number of registered rules.
func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}
