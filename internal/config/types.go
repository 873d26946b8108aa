package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Admin   AdminConfig   `yaml:"admin" mapstructure:"admin"`
	Routing RoutingConfig `yaml:"routing" mapstructure:"routing"`
	Cluster ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
	Pools   []PoolConfig  `yaml:"pools" mapstructure:"pools"`
}

// ServerConfig configures the HTTP(S) front doors (spec §6).
type ServerConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`             // PHX_SERVER: start listeners
	HTTPAddr      string `yaml:"http_addr" mapstructure:"http_addr"`         // default ":8080", overridden by PORT
	HTTPSAddr     string `yaml:"https_addr" mapstructure:"https_addr"`       // default ":443"
	Host          string `yaml:"host" mapstructure:"host"`                  // PHX_HOST
	SecretKeyBase string `yaml:"-" mapstructure:"secret_key_base"`          // SECRET_KEY_BASE overrides server.secret_key_base
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json, text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// StoreConfig configures the replicated on-disk store (spec §4.1/§6).
type StoreConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"` // STORE_DIR; one nutsdb database, each table a bucket inside it (no per-table subdirectory)
}

// AdminConfig configures the admin API's address and access control.
type AdminConfig struct {
	Addr       string   `yaml:"addr" mapstructure:"addr"`
	Token      string   `yaml:"token" mapstructure:"token"`
	AllowedIPs []string `yaml:"allowed_ips" mapstructure:"allowed_ips"`
}

// RoutingConfig configures host/header-based pool resolution (spec §4.6).
type RoutingConfig struct {
	BaseDomain  string `yaml:"base_domain" mapstructure:"base_domain"`
	DefaultPool string `yaml:"default_pool" mapstructure:"default_pool"`
}

// ClusterConfig configures DNS-poll discovery and memberlist gossip
// (spec §4.9). Viper decodes through the mapstructure tags, so
// ReleaseCookie is read from cluster.release_cookie in the YAML file as
// well; the RELEASE_COOKIE environment variable overrides it.
type ClusterConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	NodeID            string        `yaml:"node_id" mapstructure:"node_id"`
	BindAddr          string        `yaml:"bind_addr" mapstructure:"bind_addr"`
	BindPort          int           `yaml:"bind_port" mapstructure:"bind_port"`
	DiscoveryName     string        `yaml:"discovery_name" mapstructure:"discovery_name"` // FLY_APP_NAME
	DiscoveryServer   string        `yaml:"discovery_server" mapstructure:"discovery_server"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" mapstructure:"discovery_interval"`
	ReleaseCookie     string        `yaml:"-" mapstructure:"release_cookie"`
}

// PoolConfig defines a named pool and its initial backends, loaded at
// startup. Pools created later through the admin API aren't described
// here — they live only in the Store once created.
type PoolConfig struct {
	Name          string          `yaml:"name" mapstructure:"name"`
	Algorithm     string          `yaml:"algorithm" mapstructure:"algorithm"`
	SSLMode       string          `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	SSLDomain     string          `yaml:"ssl_domain" mapstructure:"ssl_domain"`
	SSLCertID     string          `yaml:"ssl_cert_id" mapstructure:"ssl_cert_id"`
	TCPListenAddr string          `yaml:"tcp_listen_addr" mapstructure:"tcp_listen_addr"` // passthrough pools only
	Backends      []BackendConfig `yaml:"backends" mapstructure:"backends"`
}

// BackendConfig defines one upstream backend inside a PoolConfig.
type BackendConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Weight int    `yaml:"weight" mapstructure:"weight"`
}
