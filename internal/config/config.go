// Manages server configuration stored in server_config.json.

// Package config holds the server-wide settings persisted in the data
// directory.
package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/tablesync/internal/server/ratelimit"
)

// FileName is the configuration file name inside the data directory.
const FileName = "server_config.json"

// Duration is a time.Duration that serializes as a string like "5s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Plain numbers are nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// ServerConfig stores all server-wide configuration.
// Loaded from server_config.json, created with defaults if missing.
type ServerConfig struct {
	// JWTSecret is the secret used to verify bearer tokens.
	// Auto-generated if empty on first load.
	JWTSecret []byte `json:"jwt_secret"`

	// RequireAuth rejects API and WebSocket requests without a valid token.
	RequireAuth bool `json:"require_auth"`

	// Quotas defines server-wide resource limits.
	Quotas ServerQuotas `json:"quotas"`

	// RateLimits defines rate limiting configuration.
	RateLimits RateLimits `json:"rate_limits"`

	// Sync holds WebSocket timings.
	Sync SyncTimings `json:"sync"`
}

// RateLimits defines rate limiting configuration. 0 means unlimited.
type RateLimits struct {
	// ReadRatePerMin limits GET requests per client IP.
	ReadRatePerMin int `json:"read_rate_per_min" jsonschema:"description=GET requests per minute per IP (0=unlimited)"`

	// WriteRatePerMin limits PATCH requests per client IP.
	WriteRatePerMin int `json:"write_rate_per_min" jsonschema:"description=Write requests per minute per IP (0=unlimited)"`

	// SocketRatePerSec limits FIELD_UPDATE messages per connection.
	SocketRatePerSec int `json:"socket_rate_per_sec" jsonschema:"description=FIELD_UPDATE messages per second per connection (0=unlimited)"`
}

// Validate checks that rate limit values are non-negative.
func (r *RateLimits) Validate() error {
	if r.ReadRatePerMin < 0 {
		return errors.New("read_rate_per_min must be non-negative")
	}
	if r.WriteRatePerMin < 0 {
		return errors.New("write_rate_per_min must be non-negative")
	}
	if r.SocketRatePerSec < 0 {
		return errors.New("socket_rate_per_sec must be non-negative")
	}
	return nil
}

// DefaultRateLimits returns the default rate limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		ReadRatePerMin:   6000, // 6k req/min for reads
		WriteRatePerMin:  600,  // 600 req/min for writes
		SocketRatePerSec: 20,   // 20 updates/s per connection
	}
}

// Rules converts the limits to limiter rules. Bursts are a sixth of the
// per-minute rate for HTTP and twice the per-second rate for sockets.
func (r *RateLimits) Rules() ratelimit.Rules {
	rule := func(n int, window time.Duration, burst int) ratelimit.Rule {
		if n == 0 {
			return ratelimit.Rule{}
		}
		return ratelimit.Rule{Requests: n, Window: window, Burst: max(burst, 1)}
	}
	return ratelimit.Rules{
		Read:   rule(r.ReadRatePerMin, time.Minute, r.ReadRatePerMin/6),
		Write:  rule(r.WriteRatePerMin, time.Minute, r.WriteRatePerMin/6),
		Socket: rule(r.SocketRatePerSec, time.Second, 2*r.SocketRatePerSec),
	}
}

// ServerQuotas defines server-wide resource limits.
type ServerQuotas struct {
	// MaxRequestBodyBytes limits the size of any single HTTP request body.
	MaxRequestBodyBytes int64 `json:"max_request_body_bytes"`

	// MaxMessageBytes limits the size of one inbound WebSocket frame.
	MaxMessageBytes int64 `json:"max_message_bytes"`

	// MaxConnections limits concurrent WebSocket connections. 0 means
	// unlimited.
	MaxConnections int `json:"max_connections"`

	// SendQueue is the outbound queue length per connection.
	SendQueue int `json:"send_queue"`
}

// Validate checks that all quota values are in range.
func (q *ServerQuotas) Validate() error {
	if q.MaxRequestBodyBytes < 0 {
		return errors.New("max_request_body_bytes must be non-negative")
	}
	if q.MaxMessageBytes <= 0 {
		return errors.New("max_message_bytes must be positive")
	}
	if q.MaxConnections < 0 {
		return errors.New("max_connections must be non-negative")
	}
	if q.SendQueue <= 0 {
		return errors.New("send_queue must be positive")
	}
	return nil
}

// DefaultServerQuotas returns the default server-wide quotas.
func DefaultServerQuotas() ServerQuotas {
	return ServerQuotas{
		MaxRequestBodyBytes: 1024 * 1024, // 1 MiB
		MaxMessageBytes:     64 * 1024,   // 64 KiB
		MaxConnections:      0,
		SendQueue:           256,
	}
}

// SyncTimings configures the WebSocket hub.
type SyncTimings struct {
	PingInterval Duration `json:"ping_interval"`
	PongWait     Duration `json:"pong_wait"`
	WriteTimeout Duration `json:"write_timeout"`
	ApplyTimeout Duration `json:"apply_timeout"`
}

// Validate checks that every timing is positive, that a silent client gets
// more than one ping, and that a mutation finishes before its client's read
// deadline.
func (s *SyncTimings) Validate() error {
	if s.PingInterval <= 0 {
		return errors.New("ping_interval must be positive")
	}
	if s.WriteTimeout <= 0 {
		return errors.New("write_timeout must be positive")
	}
	if s.ApplyTimeout <= 0 {
		return errors.New("apply_timeout must be positive")
	}
	if s.PongWait <= s.PingInterval {
		return errors.New("pong_wait must be longer than ping_interval")
	}
	if s.ApplyTimeout >= s.PongWait {
		return errors.New("apply_timeout must be shorter than pong_wait")
	}
	return nil
}

// DefaultSyncTimings returns the default hub timings.
func DefaultSyncTimings() SyncTimings {
	return SyncTimings{
		PingInterval: Duration(3 * time.Second),
		PongWait:     Duration(9 * time.Second),
		WriteTimeout: Duration(10 * time.Second),
		ApplyTimeout: Duration(5 * time.Second),
	}
}

// Default returns a configuration with every default set except JWTSecret.
func Default() ServerConfig {
	return ServerConfig{
		Quotas:     DefaultServerQuotas(),
		RateLimits: DefaultRateLimits(),
		Sync:       DefaultSyncTimings(),
	}
}

// Validate checks that the configuration is valid.
func (c *ServerConfig) Validate() error {
	if len(c.JWTSecret) == 0 {
		return errors.New("jwt_secret is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("jwt_secret must be at least 32 bytes")
	}
	if err := c.Quotas.Validate(); err != nil {
		return fmt.Errorf("quotas: %w", err)
	}
	if err := c.RateLimits.Validate(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Load loads configuration from dataDir/server_config.json.
// Creates the file with defaults if it doesn't exist.
// Auto-generates JWTSecret if empty.
func Load(dataDir string) (*ServerConfig, error) {
	path := filepath.Join(dataDir, FileName)

	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
		}
	} else {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	}

	modified := false
	if len(cfg.JWTSecret) == 0 {
		cfg.JWTSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.JWTSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		modified = true
	}

	if modified || errors.Is(err, os.ErrNotExist) {
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Save saves configuration to dataDir/server_config.json.
func (c *ServerConfig) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}
