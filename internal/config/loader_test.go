package config

import (
	"os"
	"testing"
)

func TestParseValidConfig(t *testing.T) {
	yaml := `
log:
  level: info
  format: json
  output: stdout

store:
  dir: /tmp/edge-store

pools:
  - name: web
    algorithm: round_robin
    backends:
      - url: http://127.0.0.1:9000
        weight: 10
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if len(cfg.Pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(cfg.Pools))
	}
	if cfg.Pools[0].Name != "web" {
		t.Errorf("expected pool name 'web', got %q", cfg.Pools[0].Name)
	}
}

func TestParseInvalidLogLevel(t *testing.T) {
	yaml := `
log:
  level: invalid
store:
  dir: /tmp/edge-store
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestParseDuplicatePoolName(t *testing.T) {
	yaml := `
store:
  dir: /tmp/edge-store
pools:
  - name: same
    algorithm: round_robin
  - name: same
    algorithm: least_connections
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate pool name")
	}
}

func TestParseInvalidAlgorithm(t *testing.T) {
	yaml := `
store:
  dir: /tmp/edge-store
pools:
  - name: web
    algorithm: quantum
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for invalid algorithm")
	}
}

func TestParsePassthroughRequiresTCPListenAddr(t *testing.T) {
	yaml := `
store:
  dir: /tmp/edge-store
pools:
  - name: raw
    ssl_mode: passthrough
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for passthrough pool missing tcp_listen_addr")
	}
}

func TestParseClusterEnabledRequiresReleaseCookieEnv(t *testing.T) {
	os.Unsetenv("RELEASE_COOKIE")
	yaml := `
store:
  dir: /tmp/edge-store
cluster:
  enabled: true
  node_id: node-a
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error when cluster is enabled without RELEASE_COOKIE")
	}
}

func TestReleaseCookieEnvOverridesConfig(t *testing.T) {
	os.Setenv("RELEASE_COOKIE", "from-env")
	defer os.Unsetenv("RELEASE_COOKIE")

	yaml := `
store:
  dir: /tmp/edge-store
cluster:
  enabled: true
  node_id: node-a
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cluster.ReleaseCookie != "from-env" {
		t.Errorf("expected release cookie from env, got %q", cfg.Cluster.ReleaseCookie)
	}
}

func TestPortEnvOverridesHTTPAddr(t *testing.T) {
	os.Setenv("PORT", "9090")
	defer os.Unsetenv("PORT")

	yaml := `
store:
  dir: /tmp/edge-store
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("expected http_addr overridden to ':9090', got %q", cfg.Server.HTTPAddr)
	}
}

func TestPHXServerEnvEnablesServer(t *testing.T) {
	os.Setenv("PHX_SERVER", "true")
	defer os.Unsetenv("PHX_SERVER")

	yaml := `
store:
  dir: /tmp/edge-store
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Server.Enabled {
		t.Error("expected PHX_SERVER to enable the server")
	}
}

func TestBackendURLValidation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://127.0.0.1:9000", false},
		{"valid https", "https://backend.example.com", false},
		{"valid with path", "http://127.0.0.1:9000/api", false},
		{"missing scheme", "127.0.0.1:9000", true},
		{"invalid scheme", "ftp://127.0.0.1:9000", true},
		{"missing host", "http://", true},
		{"empty url", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := BackendConfig{URL: tc.url, Weight: 1}
			err := b.Validate()
			if tc.wantErr && err == nil {
				t.Errorf("expected error for URL %q", tc.url)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for URL %q: %v", tc.url, err)
			}
		})
	}
}
