// Package config loads Singularity Edge's startup configuration: a YAML
// file layered with an environment-variable overlay via viper, covering
// spec §6's PHX_SERVER/SECRET_KEY_BASE/PHX_HOST/PORT/STORE_DIR/
// RELEASE_COOKIE/FLY_APP_NAME list. The file is the base layer; matching
// environment variables always win.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// server.enabled (PHX_SERVER) is deliberately not bound here: the
// source treats any non-empty value as "on", which isn't always a
// strconv.ParseBool-compatible string, so it's applied by hand in
// bindAndParse instead of through viper's bool decoding.
var envBindings = map[string]string{
	"server.host":            "PHX_HOST",
	"server.http_addr":       "PORT",
	"server.secret_key_base": "SECRET_KEY_BASE",
	"store.dir":              "STORE_DIR",
	"cluster.release_cookie": "RELEASE_COOKIE",
	"cluster.discovery_name": "FLY_APP_NAME",
}

// Load reads path as YAML, overlays the environment variables listed in
// spec §6, validates the result, and returns it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return bindAndParse(v)
}

// Parse parses configuration from YAML bytes, applying the same
// environment overlay and defaults as Load. Exposed mainly for tests
// that don't want to write a config file to disk.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return bindAndParse(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.https_addr", ":443")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("store.dir", "./data")
	v.SetDefault("routing.default_pool", "default")
	v.SetDefault("cluster.discovery_interval", "5s")
}

func bindAndParse(v *viper.Viper) (*Config, error) {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}

	// PORT conventionally carries just a port number ("8080"), not a
	// full listen address; normalize it the way server.http_addr
	// expects before viper reads it back out.
	if port := os.Getenv("PORT"); port != "" && !strings.Contains(port, ":") {
		os.Setenv("PORT", ":"+port)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// PHX_SERVER's presence (any non-empty value) means "start
	// listeners", matching the source's boolean-by-presence convention
	// rather than requiring "true"/"false" literals.
	if raw := os.Getenv("PHX_SERVER"); raw != "" {
		cfg.Server.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the whole configuration for errors.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	poolNames := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}
		if poolNames[p.Name] {
			return fmt.Errorf("duplicate pool name: %s", p.Name)
		}
		poolNames[p.Name] = true
	}

	if c.Cluster.Enabled && c.Cluster.ReleaseCookie == "" {
		return fmt.Errorf("cluster: RELEASE_COOKIE is required when clustering is enabled")
	}

	return nil
}

// Validate checks log configuration.
func (l *LogConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[strings.ToLower(l.Format)] {
		return fmt.Errorf("invalid log format: %s", l.Format)
	}
	return nil
}

// Validate checks store configuration.
func (s *StoreConfig) Validate() error {
	if s.Dir == "" {
		return fmt.Errorf("store dir is required")
	}
	return nil
}

var validAlgorithmNames = map[string]bool{
	"round_robin": true, "least_connections": true, "weighted_round_robin": true, "random": true, "": true,
}

var validSSLModeNames = map[string]bool{
	"off": true, "flexible": true, "full": true, "full_strict": true, "passthrough": true, "": true,
}

// Validate checks a pool's static configuration.
func (p *PoolConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	if !validAlgorithmNames[p.Algorithm] {
		return fmt.Errorf("invalid algorithm: %s", p.Algorithm)
	}
	if !validSSLModeNames[p.SSLMode] {
		return fmt.Errorf("invalid ssl_mode: %s", p.SSLMode)
	}
	if p.SSLMode == "passthrough" && p.TCPListenAddr == "" {
		return fmt.Errorf("tcp_listen_addr is required for passthrough pools")
	}
	if p.TCPListenAddr != "" {
		if _, _, err := net.SplitHostPort(p.TCPListenAddr); err != nil {
			return fmt.Errorf("invalid tcp_listen_addr %q: %w", p.TCPListenAddr, err)
		}
	}
	for i, b := range p.Backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks a backend's URL and weight.
func (b *BackendConfig) Validate() error {
	if b.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("invalid backend url %q: %w", b.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend url must use http or https scheme: %s", b.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend url must include host: %s", b.URL)
	}
	if b.Weight < 0 {
		return fmt.Errorf("backend weight cannot be negative")
	}
	return nil
}
