package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cordonlabs/cordon/pkg/types"
)

// DefaultPolicyMode gates what DEFAULT_POLICY resolves to
type DefaultPolicyMode string

const (
	// PolicyModeDenyAll is required in production.
	PolicyModeDenyAll DefaultPolicyMode = "deny-all"

	// PolicyModePermissive is for tests only and warned on selection.
	PolicyModePermissive DefaultPolicyMode = "permissive"
)

// Config holds the full configuration surface of the executor
type Config struct {
	// ExecutionMode is one of direct, isolated, isolated-proxied,
	// isolated-proxied-policied.
	ExecutionMode string `yaml:"execution_mode"`

	// SandboxImage must be a minimal runtime-only image: no shell, no
	// package manager, no generic network utilities.
	SandboxImage string `yaml:"sandbox_image"`

	SandboxMemoryBytes int64   `yaml:"sandbox_memory_bytes"`
	SandboxCPUShare    float64 `yaml:"sandbox_cpu_share"`
	SandboxWallClockMs int64   `yaml:"sandbox_wallclock_ms"`

	// ProxyHost is the address sandboxes use to reach the proxy across the
	// bridged network. ProxyPort is probed for bindability at startup.
	ProxyHost string `yaml:"proxy_host"`
	ProxyPort int    `yaml:"proxy_port"`

	// SandboxNetnsPath is the operator-provisioned network namespace attached
	// to sandboxes in proxied modes. Its egress ACL must admit only the proxy.
	SandboxNetnsPath string `yaml:"sandbox_netns_path"`

	FilterSensitiveHeaders bool `yaml:"filter_sensitive_headers"`

	PolicyServiceURL string `yaml:"policy_service_url"`
	PolicyCacheTTLMs int64  `yaml:"policy_cache_ttl_ms"`

	// EnablePolicy gates per-caller policy; off means DEFAULT_POLICY always.
	EnablePolicy bool `yaml:"enable_policy"`

	DefaultPolicyMode DefaultPolicyMode `yaml:"default_policy_mode"`

	// Operator parameters.
	MaxConcurrentSandboxes int    `yaml:"max_concurrent_sandboxes"`
	SandboxQueueDepth      int    `yaml:"sandbox_queue_depth"`
	SandboxQueueWaitMs     int64  `yaml:"sandbox_queue_wait_ms"`
	DataDir                string `yaml:"data_dir"`
	WorkDirRoot            string `yaml:"work_dir_root"`
	ContainerdSocket       string `yaml:"containerd_socket"`
	APIAddr                string `yaml:"api_addr"`
	LogLevel               string `yaml:"log_level"`
	LogJSON                bool   `yaml:"log_json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ExecutionMode:          string(types.ModeIsolatedProxied),
		SandboxImage:           "gcr.io/distroless/nodejs20-debian12",
		SandboxMemoryBytes:     256 * 1024 * 1024,
		SandboxCPUShare:        0.5,
		SandboxWallClockMs:     30_000,
		ProxyHost:              "10.88.0.1",
		ProxyPort:              8877,
		FilterSensitiveHeaders: true,
		PolicyCacheTTLMs:       60_000,
		EnablePolicy:           false,
		DefaultPolicyMode:      PolicyModeDenyAll,
		MaxConcurrentSandboxes: 8,
		SandboxQueueDepth:      32,
		SandboxQueueWaitMs:     5_000,
		DataDir:                "/var/lib/cordon",
		WorkDirRoot:            os.TempDir(),
		APIAddr:                ":8080",
		LogLevel:               "info",
		LogJSON:                true,
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then environment variables. Environment wins.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables
func (c *Config) applyEnv() {
	setString(&c.ExecutionMode, "EXECUTION_MODE")
	setString(&c.SandboxImage, "SANDBOX_IMAGE")
	setInt64(&c.SandboxMemoryBytes, "SANDBOX_MEMORY_BYTES")
	setFloat(&c.SandboxCPUShare, "SANDBOX_CPU_SHARE")
	setInt64(&c.SandboxWallClockMs, "SANDBOX_WALLCLOCK_MS")
	setString(&c.ProxyHost, "PROXY_HOST")
	setInt(&c.ProxyPort, "PROXY_PORT")
	setString(&c.SandboxNetnsPath, "SANDBOX_NETNS_PATH")
	setBool(&c.FilterSensitiveHeaders, "FILTER_SENSITIVE_HEADERS")
	setString(&c.PolicyServiceURL, "POLICY_SERVICE_URL")
	setInt64(&c.PolicyCacheTTLMs, "POLICY_CACHE_TTL_MS")
	setBool(&c.EnablePolicy, "ENABLE_POLICY")
	if v := os.Getenv("DEFAULT_POLICY_MODE"); v != "" {
		c.DefaultPolicyMode = DefaultPolicyMode(v)
	}
	setInt(&c.MaxConcurrentSandboxes, "MAX_CONCURRENT_SANDBOXES")
	setInt(&c.SandboxQueueDepth, "SANDBOX_QUEUE_DEPTH")
	setInt64(&c.SandboxQueueWaitMs, "SANDBOX_QUEUE_WAIT_MS")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.WorkDirRoot, "WORK_DIR_ROOT")
	setString(&c.ContainerdSocket, "CONTAINERD_SOCKET")
	setString(&c.APIAddr, "API_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setBool(&c.LogJSON, "LOG_JSON")
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	if _, err := types.ParseExecutionMode(c.ExecutionMode); err != nil {
		return err
	}
	switch c.DefaultPolicyMode {
	case PolicyModeDenyAll, PolicyModePermissive:
	default:
		return fmt.Errorf("unknown default policy mode %q", c.DefaultPolicyMode)
	}
	if c.SandboxImage == "" {
		return fmt.Errorf("sandbox image must be set")
	}
	if c.SandboxMemoryBytes <= 0 {
		return fmt.Errorf("sandbox memory limit must be positive")
	}
	if c.SandboxCPUShare <= 0 {
		return fmt.Errorf("sandbox cpu share must be positive")
	}
	if c.SandboxWallClockMs <= 0 {
		return fmt.Errorf("sandbox wall-clock limit must be positive")
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxy port %d out of range", c.ProxyPort)
	}
	if c.EnablePolicy && c.PolicyServiceURL == "" {
		return fmt.Errorf("ENABLE_POLICY requires POLICY_SERVICE_URL")
	}
	if c.MaxConcurrentSandboxes <= 0 {
		return fmt.Errorf("max concurrent sandboxes must be positive")
	}
	return nil
}

// Mode returns the parsed execution mode. Validate must have passed.
func (c *Config) Mode() types.ExecutionMode {
	m, _ := types.ParseExecutionMode(c.ExecutionMode)
	return m
}

// PolicyCacheTTL returns the cache TTL as a duration
func (c *Config) PolicyCacheTTL() time.Duration {
	return time.Duration(c.PolicyCacheTTLMs) * time.Millisecond
}

// Limits returns the configured sandbox limits
func (c *Config) Limits() types.Limits {
	return types.Limits{
		MemoryBytes: c.SandboxMemoryBytes,
		CPUShare:    c.SandboxCPUShare,
		WallClockMs: c.SandboxWallClockMs,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
