// Package config loads control-plane configuration. Environment variables
// are authoritative; an optional YAML file supplies non-secret defaults
// underneath them.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is consulted when CONTROLPLANE_CONFIG is unset.
const DefaultConfigPath = "controlplane.yaml"

// OTelConfig mirrors the telemetry provider switches.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the resolved runtime configuration.
type Config struct {
	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	// AdminAPIKey is the single token accepted in the admin scope.
	// Secrets never come from the YAML file.
	AdminAPIKey string `yaml:"-"`
	// AgentAPIKeys are the tokens accepted in the agent scope.
	AgentAPIKeys []string `yaml:"-"`
	// AgentKeysFile optionally sources AgentAPIKeys from a watched file,
	// one token per line; fsnotify reloads it without a restart.
	AgentKeysFile string `yaml:"agent_keys_file"`

	TaskLeaseSeconds   int  `yaml:"task_lease_seconds"`
	DispatchIntervalMS int  `yaml:"dispatch_interval_ms"`
	RegionClaimCap     int  `yaml:"region_claim_cap"`
	EnableSwagger      bool `yaml:"enable_swagger"`

	OTel OTelConfig `yaml:"otel"`

	// Fingerprint is a stable hash of the loaded non-secret configuration,
	// exposed on the config endpoint so operators can confirm what a node
	// is actually running.
	Fingerprint string `yaml:"-"`
}

// Lease returns the task lease as a duration.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.TaskLeaseSeconds) * time.Second
}

// DispatchInterval returns the dispatcher tick as a duration.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMS) * time.Millisecond
}

func defaults() Config {
	return Config{
		BindAddr:           ":8080",
		DBPath:             "data/controlplane.db",
		LogLevel:           "info",
		TaskLeaseSeconds:   300,
		DispatchIntervalMS: 250,
		RegionClaimCap:     25,
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "controlplane",
		},
	}
}

// Load resolves configuration: built-in defaults, then the YAML file (if
// present), then environment variables. Returns an error only for an
// unreadable/unparsable file or invalid env values; a missing file is fine.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONTROLPLANE_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if cfg.AgentKeysFile != "" {
		keys, err := ReadAgentKeysFile(cfg.AgentKeysFile)
		if err != nil {
			return nil, err
		}
		cfg.AgentAPIKeys = append(cfg.AgentAPIKeys, keys...)
	}

	cfg.Fingerprint = fingerprint(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		cfg.AdminAPIKey = v
	}
	if v := os.Getenv("AGENT_API_KEYS"); v != "" {
		cfg.AgentAPIKeys = splitKeys(v)
	}
	if v := os.Getenv("AGENT_KEYS_FILE"); v != "" {
		cfg.AgentKeysFile = v
	}
	if v := os.Getenv("TASK_LEASE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid TASK_LEASE_SECONDS %q", v)
		}
		cfg.TaskLeaseSeconds = n
	}
	if v := os.Getenv("ENABLE_SWAGGER"); v != "" {
		cfg.EnableSwagger = isTruthy(v)
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OTel.Enabled = isTruthy(v)
	}
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		cfg.OTel.Exporter = v
	}
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
	}
	return nil
}

// Validate checks the invariants a process cannot start without.
func (c *Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY must be set")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("bind address must be non-empty")
	}
	return nil
}

// ReadAgentKeysFile parses a key file: one token per line, blank lines and
// #-comments skipped.
func ReadAgentKeysFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent keys file %s: %w", path, err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

func splitKeys(v string) []string {
	var keys []string
	for _, k := range strings.Split(v, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// fingerprint hashes the non-secret resolved values. Key material is
// excluded so the fingerprint can be exposed on an endpoint; key *counts*
// are included, so adding or removing a key changes it while swapping one
// key for another does not.
func fingerprint(c *Config) string {
	h := fnv.New64a()
	parts := []string{
		"bind=" + c.BindAddr,
		"db=" + c.DBPath,
		"lease=" + strconv.Itoa(c.TaskLeaseSeconds),
		"tick=" + strconv.Itoa(c.DispatchIntervalMS),
		"cap=" + strconv.Itoa(c.RegionClaimCap),
		"swagger=" + strconv.FormatBool(c.EnableSwagger),
		"otel=" + strconv.FormatBool(c.OTel.Enabled) + "/" + c.OTel.Exporter,
		"agent_keys=" + strconv.Itoa(len(c.AgentAPIKeys)),
		"keys_file=" + c.AgentKeysFile,
	}
	sort.Strings(parts)
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
