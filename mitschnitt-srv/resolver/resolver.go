// Package resolver decides which address family to use for hosts that are
// ambiguous between IPv4 and IPv6, most prominently "localhost". Each proxy
// instance probes the loopback interfaces once and caches the result.
package resolver

import (
	"net"
	"strings"
	"sync"

	"github.com/codefionn/mitschnitt/mitschnitt-srv/logger"
)

// Family identifies an address family as a dial network string.
type Family string

const (
	// FamilyIPv4 dials over IPv4 only.
	FamilyIPv4 Family = "tcp4"
	// FamilyIPv6 dials over IPv6 only.
	FamilyIPv6 Family = "tcp6"
)

// Prober probes address family availability once per instance.
type Prober struct {
	v4Once      sync.Once
	v4Available bool
	v6Once      sync.Once
	v6Available bool

	// probe is swappable for tests.
	probe func(network, addr string) bool
}

// NewProber creates a Prober using real loopback listeners for probing.
func NewProber() *Prober {
	return &Prober{probe: probeListen}
}

func probeListen(network, addr string) bool {
	l, err := net.Listen(network, addr)
	if err != nil {
		return false
	}
	if closeErr := l.Close(); closeErr != nil {
		logger.Debug("Error closing probe listener: %v", closeErr)
	}
	return true
}

// IsFamilyAvailable reports whether the given address family has a usable
// loopback interface. The probe runs once per family and is cached for the
// lifetime of the Prober.
func (p *Prober) IsFamilyAvailable(family Family) bool {
	switch family {
	case FamilyIPv4:
		p.v4Once.Do(func() {
			p.v4Available = p.probe("tcp4", "127.0.0.1:0")
			logger.Debug("IPv4 loopback available: %v", p.v4Available)
		})
		return p.v4Available
	case FamilyIPv6:
		p.v6Once.Do(func() {
			p.v6Available = p.probe("tcp6", "[::1]:0")
			logger.Debug("IPv6 loopback available: %v", p.v6Available)
		})
		return p.v6Available
	default:
		return false
	}
}

// PreferredNetwork returns the dial network for the given host. Ambiguous
// loopback names resolve to a family that is actually reachable instead of
// failing on the first resolution attempt; everything else dials "tcp" and
// lets the stack decide.
func (p *Prober) PreferredNetwork(host string) string {
	if !isAmbiguousLoopback(host) {
		return "tcp"
	}

	if p.IsFamilyAvailable(FamilyIPv4) {
		return string(FamilyIPv4)
	}
	if p.IsFamilyAvailable(FamilyIPv6) {
		return string(FamilyIPv6)
	}
	return "tcp"
}

// isAmbiguousLoopback reports whether the host name could resolve to either
// loopback family. Literal addresses are never ambiguous.
func isAmbiguousLoopback(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return false
	}
	return strings.EqualFold(host, "localhost") ||
		strings.HasSuffix(strings.ToLower(host), ".localhost")
}
