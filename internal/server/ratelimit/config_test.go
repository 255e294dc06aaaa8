package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConfig_Match(t *testing.T) {
	c := DefaultConfig()
	defer c.Close()

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/api/health", ""},
		{"GET", "/ws", ""},
		{"GET", "/metrics", ""},
		{"GET", "/", ""},
		{"GET", "/api/records", "read"},
		{"GET", "/api/records/1", "read"},
		{"PATCH", "/api/records/1", "write"},
		{"OPTIONS", "/api/records/1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			tier := c.Match(tt.method, tt.path)
			got := ""
			if tier != nil {
				got = tier.Name
			}
			if got != tt.want {
				t.Errorf("Match(%s, %s) = %q, want %q", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	l := NewLimiter(1, time.Minute, 1)
	defer l.Close()

	for i := range 2 {
		rec := httptest.NewRecorder()
		w := NewResponseWriter(rec, l.Allow("k"))
		w.WriteHeader(http.StatusNoContent)
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "1" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i, got)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want 0", i, got)
		}
		if (i == 1) != (rec.Header().Get("Retry-After") != "") {
			t.Errorf("request %d: Retry-After only on rejection, got %q", i, rec.Header().Get("Retry-After"))
		}
	}
}

func TestBuildKey(t *testing.T) {
	if got := BuildKey(ScopeIP, "1.2.3.4", "read"); got != "ip:1.2.3.4:read" {
		t.Errorf("got %q", got)
	}
	if got := BuildKey(ScopeConn, "abc", "socket"); got != "conn:abc:socket" {
		t.Errorf("got %q", got)
	}
}

func TestConfig_DisabledTier(t *testing.T) {
	r := DefaultRules()
	r.Read = Rule{}
	c := NewConfig(r)
	defer c.Close()
	if tier := c.Match("GET", "/api/records"); tier != nil {
		t.Errorf("Match(GET) = %q, want nil for a disabled tier", tier.Name)
	}
	if tier := c.Match("PATCH", "/api/records/1"); tier == nil || tier.Name != "write" {
		t.Errorf("Match(PATCH) = %v, want write", tier)
	}
	if c.Socket.Limiter == nil {
		t.Error("socket tier should stay enabled")
	}
}
