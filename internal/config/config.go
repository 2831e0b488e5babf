// Package config provides configuration parsing and validation for Umbra.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Relays  []RelayConfig `yaml:"relays"`
	Legs    []LegConfig   `yaml:"legs"`
	Streams StreamsConfig `yaml:"streams"`
	Split   SplitConfig   `yaml:"split"`
	Metrics MetricsConfig `yaml:"metrics"`
	Control ControlConfig `yaml:"control"`
	Timing  TimingConfig  `yaml:"timing"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	ID        string `yaml:"id"`         // "auto" or hex string
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// RelayConfig names one relay reachable over a channel transport.
type RelayConfig struct {
	Name        string    `yaml:"name"`        // Referenced by legs[].path
	ID          string    `yaml:"id"`          // Relay fingerprint, hex
	Transport   string    `yaml:"transport"`   // quic, h2, ws
	Address     string    `yaml:"address"`     // relay address
	Port        uint16    `yaml:"port"`        // extend target port
	Path        string    `yaml:"path"`        // HTTP path for h2/ws
	Proxy       string    `yaml:"proxy"`       // HTTP proxy for ws
	ProxyAuth   ProxyAuth `yaml:"proxy_auth"`
	TLS         TLSConfig `yaml:"tls"`
	Fingerprint string    `yaml:"fingerprint_preset"` // uTLS ClientHello preset for ws
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	Cert               string `yaml:"cert"`        // Certificate file path
	Key                string `yaml:"key"`         // Private key file path
	CA                 string `yaml:"ca"`          // CA certificate file path
	Fingerprint        string `yaml:"fingerprint"` // Certificate fingerprint for pinning
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip verification (dev only)
}

// ProxyAuth defines proxy authentication.
type ProxyAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LegConfig defines one circuit path through named relays. The last
// relay of every leg must be the same join point when splitting is
// enabled.
type LegConfig struct {
	Path []string `yaml:"path"` // Relay names, first hop outward
}

// StreamsConfig defines stream-level behavior.
type StreamsConfig struct {
	FlowControl string        `yaml:"flow_control"` // window, xon_xoff
	OpenTimeout time.Duration `yaml:"open_timeout"`
	MaxStreams  int           `yaml:"max_streams"`
}

// SplitConfig defines traffic-splitting behavior.
type SplitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	DesiredUX      string        `yaml:"desired_ux"` // no_opinion, min_latency, high_throughput
	LinkTimeout    time.Duration `yaml:"link_timeout"`
	ReorderTimeout time.Duration `yaml:"reorder_timeout"`
}

// MetricsConfig defines the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ControlConfig defines the Unix control socket settings.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// TimingConfig defines protocol timing parameters.
type TimingConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Relays: []RelayConfig{},
		Legs:   []LegConfig{},
		Streams: StreamsConfig{
			FlowControl: "window",
			OpenTimeout: 30 * time.Second,
			MaxStreams:  10000,
		},
		Split: SplitConfig{
			Enabled:        false,
			DesiredUX:      "no_opinion",
			LinkTimeout:    30 * time.Second,
			ReorderTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		Control: ControlConfig{
			Enabled: false,
			Socket:  "./data/control.sock",
		},
		Timing: TimingConfig{
			HandshakeTimeout: 30 * time.Second,
			ConnectTimeout:   15 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate node config
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	// Validate relays
	names := make(map[string]bool)
	for i, r := range c.Relays {
		if err := validateRelay(r); err != nil {
			errs = append(errs, fmt.Sprintf("relays[%d]: %v", i, err))
		}
		if names[r.Name] {
			errs = append(errs, fmt.Sprintf("relays[%d]: duplicate name %q", i, r.Name))
		}
		names[r.Name] = true
	}

	// Validate legs
	var join string
	for i, leg := range c.Legs {
		if len(leg.Path) == 0 {
			errs = append(errs, fmt.Sprintf("legs[%d]: path is empty", i))
			continue
		}
		for j, name := range leg.Path {
			if !names[name] {
				errs = append(errs, fmt.Sprintf("legs[%d].path[%d]: unknown relay %q", i, j, name))
			}
		}
		last := leg.Path[len(leg.Path)-1]
		if i == 0 {
			join = last
		} else if c.Split.Enabled && last != join {
			errs = append(errs, fmt.Sprintf("legs[%d]: ends at %q, legs must share the join relay %q", i, last, join))
		}
	}
	if c.Split.Enabled && len(c.Legs) < 2 {
		errs = append(errs, "split.enabled requires at least two legs")
	}

	// Validate streams
	if !isValidFlowControl(c.Streams.FlowControl) {
		errs = append(errs, fmt.Sprintf("invalid flow_control: %s (must be window or xon_xoff)", c.Streams.FlowControl))
	}
	if c.Streams.MaxStreams < 1 {
		errs = append(errs, "streams.max_streams must be positive")
	}

	// Validate split
	if !isValidDesiredUX(c.Split.DesiredUX) {
		errs = append(errs, fmt.Sprintf("invalid desired_ux: %s", c.Split.DesiredUX))
	}

	// Validate metrics
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	// Validate control
	if c.Control.Enabled && c.Control.Socket == "" {
		errs = append(errs, "control.socket is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "h2", "ws":
		return true
	default:
		return false
	}
}

func isValidFlowControl(fc string) bool {
	switch fc {
	case "window", "xon_xoff":
		return true
	default:
		return false
	}
}

func isValidDesiredUX(ux string) bool {
	switch ux {
	case "no_opinion", "min_latency", "low_mem_latency", "high_throughput":
		return true
	default:
		return false
	}
}

func validateRelay(r RelayConfig) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !isValidTransport(r.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, h2, or ws)", r.Transport)
	}
	if r.Address == "" {
		return fmt.Errorf("address is required")
	}
	if (r.Transport == "h2" || r.Transport == "ws") && r.Path == "" {
		return fmt.Errorf("path is required for %s transport", r.Transport)
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	// Redact sensitive fields in relays
	for i := range redacted.Relays {
		if redacted.Relays[i].ProxyAuth.Password != "" {
			redacted.Relays[i].ProxyAuth.Password = redactedValue
		}
		// Redact TLS key paths as they point to sensitive files
		if redacted.Relays[i].TLS.Key != "" {
			redacted.Relays[i].TLS.Key = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, r := range c.Relays {
		if r.ProxyAuth.Password != "" {
			return true
		}
	}
	return false
}
