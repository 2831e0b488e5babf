package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Node.ID != "auto" {
		t.Errorf("Node.ID = %s, want auto", cfg.Node.ID)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("Node.DataDir = %s, want ./data", cfg.Node.DataDir)
	}
	if cfg.Node.LogLevel != "info" {
		t.Errorf("Node.LogLevel = %s, want info", cfg.Node.LogLevel)
	}
	if cfg.Streams.FlowControl != "window" {
		t.Errorf("Streams.FlowControl = %s, want window", cfg.Streams.FlowControl)
	}
	if cfg.Split.Enabled {
		t.Error("Split.Enabled = true, want false")
	}
	if cfg.Split.ReorderTimeout != 30*time.Second {
		t.Errorf("Split.ReorderTimeout = %v, want 30s", cfg.Split.ReorderTimeout)
	}
	if cfg.Metrics.Address != "127.0.0.1:9090" {
		t.Errorf("Metrics.Address = %s, want 127.0.0.1:9090", cfg.Metrics.Address)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
node:
  id: "auto"
  data_dir: "./data"
  log_level: "debug"
  log_format: "json"

relays:
  - name: guard
    id: "da39a3ee5e6b4b0d3255bfef95601890afd80709"
    transport: quic
    address: "192.0.2.10:4433"
    port: 4433
  - name: middle
    id: "2fd4e1c67a2d28fced849ee1bb76e7391b93eb12"
    transport: h2
    address: "192.0.2.20:443"
    port: 443
    path: "/relay"
  - name: join
    id: "adc83b19e793491b1c6ea0fd8b46cd9f32e592fc"
    transport: ws
    address: "192.0.2.30:443"
    port: 443
    path: "/ws"

legs:
  - path: [guard, middle, join]
  - path: [middle, guard, join]

streams:
  flow_control: xon_xoff
  open_timeout: 20s
  max_streams: 5000

split:
  enabled: true
  desired_ux: high_throughput
  link_timeout: 10s
  reorder_timeout: 15s

metrics:
  enabled: true
  address: "127.0.0.1:9100"

timing:
  handshake_timeout: 20s
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Verify parsed values
	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel = %s, want debug", cfg.Node.LogLevel)
	}
	if cfg.Node.LogFormat != "json" {
		t.Errorf("Node.LogFormat = %s, want json", cfg.Node.LogFormat)
	}
	if len(cfg.Relays) != 3 {
		t.Errorf("len(Relays) = %d, want 3", len(cfg.Relays))
	}
	if cfg.Relays[0].Transport != "quic" {
		t.Errorf("Relays[0].Transport = %s, want quic", cfg.Relays[0].Transport)
	}
	if len(cfg.Legs) != 2 {
		t.Errorf("len(Legs) = %d, want 2", len(cfg.Legs))
	}
	if cfg.Streams.FlowControl != "xon_xoff" {
		t.Errorf("Streams.FlowControl = %s, want xon_xoff", cfg.Streams.FlowControl)
	}
	if cfg.Streams.OpenTimeout != 20*time.Second {
		t.Errorf("Streams.OpenTimeout = %v, want 20s", cfg.Streams.OpenTimeout)
	}
	if !cfg.Split.Enabled {
		t.Error("Split.Enabled = false, want true")
	}
	if cfg.Split.DesiredUX != "high_throughput" {
		t.Errorf("Split.DesiredUX = %s, want high_throughput", cfg.Split.DesiredUX)
	}
	if cfg.Split.ReorderTimeout != 15*time.Second {
		t.Errorf("Split.ReorderTimeout = %v, want 15s", cfg.Split.ReorderTimeout)
	}
	if cfg.Timing.HandshakeTimeout != 20*time.Second {
		t.Errorf("Timing.HandshakeTimeout = %v, want 20s", cfg.Timing.HandshakeTimeout)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"
  log_level: "verbose"
  log_format: "text"
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() succeeded with invalid log level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error = %v, want log_level mention", err)
	}
}

func TestParse_UnknownRelayInLeg(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"

relays:
  - name: guard
    id: "da39a3ee5e6b4b0d3255bfef95601890afd80709"
    transport: quic
    address: "192.0.2.10:4433"

legs:
  - path: [guard, nonexistent]
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() succeeded with unknown relay in leg path")
	}
	if !strings.Contains(err.Error(), "unknown relay") {
		t.Errorf("error = %v, want unknown relay mention", err)
	}
}

func TestParse_SplitLegsMustShareJoin(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"

relays:
  - name: a
    id: "da39a3ee5e6b4b0d3255bfef95601890afd80709"
    transport: quic
    address: "192.0.2.10:4433"
  - name: b
    id: "2fd4e1c67a2d28fced849ee1bb76e7391b93eb12"
    transport: quic
    address: "192.0.2.20:4433"

legs:
  - path: [a, b]
  - path: [b, a]

split:
  enabled: true
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() succeeded with mismatched join relays")
	}
	if !strings.Contains(err.Error(), "join relay") {
		t.Errorf("error = %v, want join relay mention", err)
	}
}

func TestParse_SplitRequiresTwoLegs(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"

relays:
  - name: a
    id: "da39a3ee5e6b4b0d3255bfef95601890afd80709"
    transport: quic
    address: "192.0.2.10:4433"

legs:
  - path: [a]

split:
  enabled: true
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() succeeded with one leg and split enabled")
	}
}

func TestParse_PathRequiredForHTTPTransports(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "./data"

relays:
  - name: a
    id: "da39a3ee5e6b4b0d3255bfef95601890afd80709"
    transport: h2
    address: "192.0.2.10:443"
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("Parse() succeeded for h2 relay without path")
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("UMBRA_TEST_DATADIR", "/var/lib/umbra")
	defer os.Unsetenv("UMBRA_TEST_DATADIR")

	yamlConfig := `
node:
  data_dir: "${UMBRA_TEST_DATADIR}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "/var/lib/umbra" {
		t.Errorf("Node.DataDir = %s, want /var/lib/umbra", cfg.Node.DataDir)
	}
}

func TestParse_EnvExpansionDefault(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "${UMBRA_UNSET_VAR:-./fallback}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "./fallback" {
		t.Errorf("Node.DataDir = %s, want ./fallback", cfg.Node.DataDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() succeeded for missing file")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
node:
  data_dir: "./data"
  log_level: "warn"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.LogLevel != "warn" {
		t.Errorf("Node.LogLevel = %s, want warn", cfg.Node.LogLevel)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Relays = []RelayConfig{
		{
			Name:      "a",
			ID:        "da39a3ee5e6b4b0d3255bfef95601890afd80709",
			Transport: "ws",
			Address:   "192.0.2.10:443",
			Path:      "/ws",
			ProxyAuth: ProxyAuth{Username: "u", Password: "secret"},
			TLS:       TLSConfig{Key: "/etc/umbra/key.pem"},
		},
	}

	red := cfg.Redacted()
	if red.Relays[0].ProxyAuth.Password != redactedValue {
		t.Errorf("proxy password = %s, want redacted", red.Relays[0].ProxyAuth.Password)
	}
	if red.Relays[0].TLS.Key != redactedValue {
		t.Errorf("tls key = %s, want redacted", red.Relays[0].TLS.Key)
	}

	// Original untouched
	if cfg.Relays[0].ProxyAuth.Password != "secret" {
		t.Error("Redacted() modified the original config")
	}

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false, want true")
	}
}
