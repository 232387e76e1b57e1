// Package config loads an optional on-disk ClientConfig, supplementing
// (not replacing) the programmatic options a caller passes directly to
// the engine, per spec.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig names client certificate material for a TLS-upgraded
// connection, per spec.md §6's `tls` option object form.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// ClientConfig mirrors the client configuration options from spec.md
// §6. Durations are expressed in milliseconds on disk to match the
// wire protocol's own timing units, then converted to time.Duration by
// the engine.
type ClientConfig struct {
	URL     string   `yaml:"url,omitempty"`
	Servers []string `yaml:"servers,omitempty"`

	NoRandomize bool `yaml:"no_randomize"`

	Reconnect            bool `yaml:"reconnect"`
	ReconnectTimeWaitMS   int  `yaml:"reconnect_time_wait_ms"`
	ReconnectJitterMS     int  `yaml:"reconnect_jitter_ms"`
	MaxReconnectAttempts  int  `yaml:"max_reconnect_attempts"`

	PingIntervalMS int `yaml:"ping_interval_ms"`
	MaxPingOut     int `yaml:"max_ping_out"`

	WaitOnFirstConnect bool `yaml:"wait_on_first_connect"`
	TimeoutMS          int  `yaml:"timeout_ms"`
	YieldTimeMS        int  `yaml:"yield_time_ms"`

	NoEcho bool   `yaml:"no_echo"`
	Name   string `yaml:"name"`

	User  string `yaml:"user,omitempty"`
	Pass  string `yaml:"pass,omitempty"`
	Token string `yaml:"token,omitempty"`

	NKey    string `yaml:"nkey,omitempty"`
	UserJWT string `yaml:"user_jwt,omitempty"`

	TLS *TLSConfig `yaml:"tls,omitempty"`

	Payload  string `yaml:"payload,omitempty"`  // string | binary | json
	Encoding string `yaml:"encoding,omitempty"` // for payload: string
}

// Defaults returns a ClientConfig with spec.md §6's implied defaults
// applied (reconnect enabled, 2s reconnect wait, infinite attempts,
// etc.) before any on-disk or programmatic override.
func Defaults() ClientConfig {
	return ClientConfig{
		Reconnect:            true,
		ReconnectTimeWaitMS:  2000,
		MaxReconnectAttempts: -1,
		PingIntervalMS:       120000,
		MaxPingOut:           2,
		TimeoutMS:            2000,
		YieldTimeMS:          0,
		Payload:              "string",
	}
}

// Load reads and parses a ClientConfig YAML file, applying Defaults()
// first so a partial file only overrides what it sets.
func Load(filename string) (*ClientConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations spec.md's options table rules out,
// such as a negative timeout.
func (c *ClientConfig) Validate() error {
	if c.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms cannot be negative: %d", c.TimeoutMS)
	}
	if c.ReconnectTimeWaitMS < 0 {
		return fmt.Errorf("reconnect_time_wait_ms cannot be negative: %d", c.ReconnectTimeWaitMS)
	}
	if c.MaxReconnectAttempts < -1 {
		return fmt.Errorf("max_reconnect_attempts must be -1 (infinite) or >= 0, got %d", c.MaxReconnectAttempts)
	}
	switch c.Payload {
	case "", "string", "binary", "json":
	default:
		return fmt.Errorf("payload must be one of string|binary|json, got %q", c.Payload)
	}
	return nil
}

// ReconnectTimeWait is ReconnectTimeWaitMS as a time.Duration.
func (c *ClientConfig) ReconnectTimeWait() time.Duration {
	return time.Duration(c.ReconnectTimeWaitMS) * time.Millisecond
}

// ReconnectJitter is ReconnectJitterMS as a time.Duration.
func (c *ClientConfig) ReconnectJitter() time.Duration {
	return time.Duration(c.ReconnectJitterMS) * time.Millisecond
}

// PingInterval is PingIntervalMS as a time.Duration.
func (c *ClientConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// Timeout is TimeoutMS as a time.Duration.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// YieldTime is YieldTimeMS as a time.Duration.
func (c *ClientConfig) YieldTime() time.Duration {
	return time.Duration(c.YieldTimeMS) * time.Millisecond
}

// AllURLs returns Servers if set, else a single-element slice of URL,
// else nil (leaving the pool's own localhost default to apply).
func (c *ClientConfig) AllURLs() []string {
	if len(c.Servers) > 0 {
		return c.Servers
	}
	if c.URL != "" {
		return []string{c.URL}
	}
	return nil
}
