// Defines rate limit tiers and routing rules.

package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Scope defines how rate limit keys are determined.
type Scope int

const (
	// ScopeIP uses client IP address as the rate limit key.
	ScopeIP Scope = iota
	// ScopeConn uses the WebSocket connection ID as the rate limit key.
	ScopeConn
)

// Tier defines a rate limit tier with its limiter and scope.
type Tier struct {
	Name    string
	Limiter *Limiter
	Scope   Scope
}

// Rule is the configurable shape of one tier. The zero Rule disables the
// tier.
type Rule struct {
	Requests int // events allowed per window
	Window   time.Duration
	Burst    int
}

// Rules holds the rules of every tier.
type Rules struct {
	Read   Rule
	Write  Rule
	Socket Rule
}

// DefaultRules:
//   - Read: 6,000 req/min per IP
//   - Write: 600 req/min per IP
//   - Socket: 20 messages/s per connection
func DefaultRules() Rules {
	return Rules{
		Read:   Rule{Requests: 6000, Window: time.Minute, Burst: 1000},
		Write:  Rule{Requests: 600, Window: time.Minute, Burst: 100},
		Socket: Rule{Requests: 20, Window: time.Second, Burst: 40},
	}
}

// Config holds rate limiters for different tiers.
type Config struct {
	Read   Tier
	Write  Tier
	Socket Tier // FIELD_UPDATE messages on a WebSocket
}

// NewConfig creates the limiters described by r. Disabled tiers have a nil
// Limiter.
func NewConfig(r Rules) *Config {
	return &Config{
		Read:   Tier{Name: "read", Limiter: r.Read.limiter(), Scope: ScopeIP},
		Write:  Tier{Name: "write", Limiter: r.Write.limiter(), Scope: ScopeIP},
		Socket: Tier{Name: "socket", Limiter: r.Socket.limiter(), Scope: ScopeConn},
	}
}

func (r Rule) limiter() *Limiter {
	if r.Requests <= 0 || r.Window <= 0 {
		return nil
	}
	return NewLimiter(r.Requests, r.Window, max(r.Burst, 1))
}

// DefaultConfig creates a Config from DefaultRules.
func DefaultConfig() *Config {
	return NewConfig(DefaultRules())
}

// Match returns the tier for an HTTP request.
// Returns nil for paths that should not be rate limited.
func (c *Config) Match(method, path string) *Tier {
	if path == "/api/health" || path == "/metrics" || path == "/ws" {
		return nil
	}
	if !strings.HasPrefix(path, "/api/") {
		return nil
	}
	var t *Tier
	switch method {
	case http.MethodGet, http.MethodHead:
		t = &c.Read
	case http.MethodPatch, http.MethodPost, http.MethodPut, http.MethodDelete:
		t = &c.Write
	}
	if t == nil || t.Limiter == nil {
		return nil
	}
	return t
}

// Close stops all limiter cleanup goroutines.
func (c *Config) Close() {
	for _, t := range []*Tier{&c.Read, &c.Write, &c.Socket} {
		if t.Limiter != nil {
			t.Limiter.Close()
		}
	}
}
