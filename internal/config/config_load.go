package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:          "127.0.0.1",
			Port:          18900,
			BodyLimit:     32 << 20,
			ClientTimeout: 600,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.anthropic.com",
			PassHeaders: []string{
				"request-id",
				"anthropic-ratelimit-",
				"retry-after",
			},
		},
		Helper: HelperConfig{
			Model: "claude-haiku-4-5-20251001",
			RPS:   2,
		},
		Drift: DriftConfig{CheckInterval: 3},
		Clear: ClearConfig{
			TokenThreshold:  160000,
			PrecomputeRatio: 0.85,
		},
		Sessions: SessionsConfig{
			Retention:   "24h",
			CleanupCron: "0 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; env vars alone are enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays GROV_* env vars onto the config.
// Env vars take precedence over file values. Unknown vars are ignored.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	envStr("GROV_UPSTREAM", &c.Upstream.BaseURL)
	envStr("GROV_HOST", &c.Proxy.Host)
	envInt("GROV_PORT", &c.Proxy.Port)
	if v := os.Getenv("GROV_BODY_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Proxy.BodyLimit = n
		}
	}
	envInt("GROV_DRIFT_INTERVAL", &c.Drift.CheckInterval)
	envInt("GROV_CLEAR_THRESHOLD", &c.Clear.TokenThreshold)
	envFloat("GROV_PRECOMPUTE_RATIO", &c.Clear.PrecomputeRatio)
	envStr("GROV_RETENTION", &c.Sessions.Retention)
	envStr("GROV_HELPER_API_KEY", &c.Helper.APIKey)
	envStr("GROV_HELPER_MODEL", &c.Helper.Model)
	envStr("GROV_HELPER_BASE_URL", &c.Helper.BaseURL)
	envStr("GROV_STORE_PATH", &c.Store.Path)
	envStr("GROV_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if v := os.Getenv("GROV_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
}

// Reload re-reads tunable values from the config file in place.
// Listen address and store path are fixed for the process lifetime.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Drift = fresh.Drift
	c.Clear = fresh.Clear
	c.Sessions = fresh.Sessions
	c.Helper.Model = fresh.Helper.Model
	c.Helper.RPS = fresh.Helper.RPS
	return nil
}
