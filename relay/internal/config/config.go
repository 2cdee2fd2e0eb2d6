// Package config handles relay configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Stats    StatsConfig    `json:"stats" yaml:"stats"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`                                           // e.g. ":8080"
	Path           string   `json:"path,omitempty" yaml:"path,omitempty"`                       // websocket path; default "/arc"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS + websocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // default 64KB
}

// RelayConfig defines routing and connection behavior.
type RelayConfig struct {
	Name            string   `json:"name,omitempty" yaml:"name,omitempty"` // advertised in the welcome frame
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
	SendQueue       int      `json:"send_queue,omitempty" yaml:"send_queue,omitempty"` // per-session outbound frames
	PingInterval    Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	PongWait        Duration `json:"pong_wait,omitempty" yaml:"pong_wait,omitempty"`
	Extensions      []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`

	// DisableKeepalive turns transport pings off entirely.
	DisableKeepalive bool `json:"disable_keepalive,omitempty" yaml:"disable_keepalive,omitempty"`
}

// RegistryConfig defines identity registration settings.
type RegistryConfig struct {
	IDPrefix    string `json:"id_prefix,omitempty" yaml:"id_prefix,omitempty"`       // default "agent-"
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"` // default 100
}

// StorageConfig defines persistence settings.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres", "redis" or "memory"
	DSN            string   `json:"dsn" yaml:"dsn"`       // e.g. "arc.db", ":memory:" or "redis://localhost:6379/0"
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`
}

// StatsConfig defines the statistics reporter.
type StatsConfig struct {
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"` // snapshot log interval; default 1m
	Metrics  *bool    `json:"metrics,omitempty" yaml:"metrics,omitempty"`   // expose /metrics; default true
}

// MetricsEnabled reports whether the Prometheus endpoint is served.
func (s StatsConfig) MetricsEnabled() bool {
	return s.Metrics == nil || *s.Metrics
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON- and YAML-friendly time.Duration. Bare numbers are seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{Addr: ":8080"}}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML; anything else as JSON with comments and trailing commas
// allowed. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv lets HOST and PORT override the listen address, which is how
// most container platforms hand a port to the process.
func (c *Config) applyEnv() {
	host, port := os.Getenv("HOST"), os.Getenv("PORT")
	if host == "" && port == "" {
		return
	}
	curHost, curPort, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		curHost, curPort = "", "8080"
	}
	if host != "" {
		curHost = host
	}
	if port != "" {
		curPort = port
	}
	c.Server.Addr = net.JoinHostPort(curHost, curPort)
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if (c.Storage.Driver == "postgres" || c.Storage.Driver == "redis") && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	if c.Relay.SendQueue < 0 {
		return fmt.Errorf("relay.send_queue must not be negative")
	}
	if c.Registry.MaxAttempts < 0 {
		return fmt.Errorf("registry.max_attempts must not be negative")
	}
	if c.Relay.PingInterval.Duration > 0 && c.Relay.PongWait.Duration > 0 &&
		c.Relay.PongWait.Duration <= c.Relay.PingInterval.Duration {
		return fmt.Errorf("relay.pong_wait must be longer than relay.ping_interval")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Path == "" {
		c.Server.Path = "/arc"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 * 1024
	}
	if c.Relay.Name == "" {
		c.Relay.Name = "free.agentrelay.chat"
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Relay.SendQueue == 0 {
		c.Relay.SendQueue = 256
	}
	if c.Relay.PingInterval.Duration == 0 {
		c.Relay.PingInterval.Duration = 30 * time.Second
	}
	if c.Relay.PongWait.Duration == 0 {
		c.Relay.PongWait.Duration = 2 * c.Relay.PingInterval.Duration
	}
	if c.Registry.IDPrefix == "" {
		c.Registry.IDPrefix = "agent-"
	}
	if c.Registry.MaxAttempts == 0 {
		c.Registry.MaxAttempts = 100
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "arc.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Stats.Interval.Duration == 0 {
		c.Stats.Interval.Duration = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
