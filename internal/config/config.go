package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config is the root configuration for the Grov proxy.
type Config struct {
	Proxy    ProxyConfig    `json:"proxy"`
	Upstream UpstreamConfig `json:"upstream"`
	Helper   HelperConfig   `json:"helper"`
	Drift    DriftConfig    `json:"drift"`
	Clear    ClearConfig    `json:"clear"`
	Sessions SessionsConfig `json:"sessions"`
	Store    StoreConfig    `json:"store"`
	Events   EventsConfig   `json:"events"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Debug    bool           `json:"debug,omitempty"`

	mu sync.RWMutex
}

// ProxyConfig configures the listening surface.
type ProxyConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	BodyLimit     int64  `json:"body_limit"`      // max request body bytes
	ClientTimeout int    `json:"client_timeout"`  // seconds, upstream forward timeout
}

// UpstreamConfig configures the provider the proxy forwards to.
type UpstreamConfig struct {
	BaseURL string `json:"base_url"`
	// PassHeaders lists response header prefixes. The proxy does not read it:
	// the adapter's FilterHeaders replays a fixed set of headers instead.
	PassHeaders []string `json:"pass_headers,omitempty"`
}

// HelperConfig configures the auxiliary LLM used for analysis.
// APIKey comes from env GROV_HELPER_API_KEY only (secret, never persisted).
type HelperConfig struct {
	APIKey  string  `json:"-"`
	BaseURL string  `json:"base_url,omitempty"`
	Model   string  `json:"model,omitempty"`
	RPS     float64 `json:"rps,omitempty"` // rate limit on helper calls
}

// DriftConfig tunes the drift-detection pipeline.
type DriftConfig struct {
	CheckInterval int `json:"check_interval"` // check every N end-of-turns
}

// ClearConfig tunes the pre-emptive conversation reset.
type ClearConfig struct {
	TokenThreshold  int     `json:"token_threshold"`
	PrecomputeRatio float64 `json:"precompute_ratio"`
}

// SessionsConfig tunes session lifecycle.
type SessionsConfig struct {
	Retention    string `json:"retention"`     // completed-session retention, e.g. "24h"
	CleanupCron  string `json:"cleanup_cron"`  // gronx expression for the janitor
}

// StoreConfig locates the embedded store.
type StoreConfig struct {
	Path string `json:"path,omitempty"` // defaults to <user config dir>/grov/grov.db
}

// EventsConfig configures the dashboard feed.
type EventsConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
// Endpoint from env GROV_OTLP_ENDPOINT; empty disables tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"-"`
}

// Retention parses the configured completed-session retention window.
// Invalid or missing values fall back to 24 hours.
func (c *Config) Retention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, err := time.ParseDuration(c.Sessions.Retention)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// ClearThreshold returns the token count that triggers a CLEAR reset.
func (c *Config) ClearThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Clear.TokenThreshold
}

// PrecomputeRatio returns the fraction of the clear threshold at which the
// summary is pre-computed in the background.
func (c *Config) PrecomputeRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Clear.PrecomputeRatio <= 0 || c.Clear.PrecomputeRatio > 1 {
		return 0.85
	}
	return c.Clear.PrecomputeRatio
}

// DriftInterval returns how many end-of-turns elapse between drift checks.
func (c *Config) DriftInterval() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Drift.CheckInterval <= 0 {
		return 3
	}
	return c.Drift.CheckInterval
}

// StorePath resolves the sqlite file location, creating parent directories.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	base := filepath.Join(dir, "grov")
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}
	return filepath.Join(base, "grov.db"), nil
}

// CredentialPath resolves the cached credential file (mode 0600).
func CredentialPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	base := filepath.Join(dir, "grov")
	if err := os.MkdirAll(base, 0700); err != nil {
		return "", err
	}
	return filepath.Join(base, "credentials"), nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
