// Package config loads server configuration from an optional TOML file and
// TOOL_SANDBOX_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration. Durations are whole units named
// by the field suffix so that file and environment share one spelling.
type Config struct {
	LogLevel string `toml:"log_level"`
	Port     string `toml:"port"`
	HTTPAddr string `toml:"http_addr"`

	Registry  RegistryConfig  `toml:"registry"`
	Admission AdmissionConfig `toml:"admission"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Audit     AuditConfig     `toml:"audit"`
	Redaction RedactionConfig `toml:"redaction"`
	Auth      AuthConfig      `toml:"auth"`
	Throttle  ThrottleConfig  `toml:"throttle"`
}

type RegistryConfig struct {
	// File is a TOML tool registry watched for changes. Ignored when
	// PostgresDSN is set.
	File            string `toml:"file"`
	PostgresDSN     string `toml:"postgres_dsn"`
	PollIntervalS   int    `toml:"poll_interval_s"`
	WatchDebounceMs int    `toml:"watch_debounce_ms"`
	CheckTimeoutMs  int    `toml:"check_timeout_ms"`
	FormatCacheSize int    `toml:"format_cache_size"`
}

type AdmissionConfig struct {
	MaxConcurrent int            `toml:"max_concurrent"`
	AcquireWaitMs int            `toml:"acquire_wait_ms"`
	ClassLimits   map[string]int `toml:"class_limits"`
}

type SandboxConfig struct {
	// Mode is auto, rlimit or polling.
	Mode              string `toml:"mode"`
	OutputLimitBytes  int    `toml:"output_limit_bytes"`
	DefaultTimeoutS   int    `toml:"default_timeout_s"`
	KillGraceMs       int    `toml:"kill_grace_ms"`
	ScratchRoot       string `toml:"scratch_root"`
	ScratchRetentionS int    `toml:"scratch_retention_s"`
	CleanupIntervalS  int    `toml:"cleanup_interval_s"`
}

type AuditConfig struct {
	File          string `toml:"file"`
	MaxBytes      int64  `toml:"max_bytes"`
	MaxAgeS       int    `toml:"max_age_s"`
	RetentionS    int    `toml:"retention_s"`
	MaxBackups    int    `toml:"max_backups"`
	ClickHouseDSN string `toml:"clickhouse_dsn"`
	// Log mirrors audit events into the operator log.
	Log bool `toml:"log"`
}

type RedactionConfig struct {
	RulesFile   string `toml:"rules_file"`
	Style       string `toml:"style"`
	Placeholder string `toml:"placeholder"`
}

type AuthConfig struct {
	PostgresDSN string      `toml:"postgres_dsn"`
	CacheTTLS   int         `toml:"cache_ttl_s"`
	Keys        []StaticKey `toml:"keys"`
}

// StaticKey maps a raw API key to a principal. A nil AllowedTools permits
// every tool.
type StaticKey struct {
	Key          string   `toml:"key"`
	Principal    string   `toml:"principal"`
	AllowedTools []string `toml:"allowed_tools"`
}

// ThrottleConfig bounds requests per principal at the transport.
type ThrottleConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Port:     "50054",
		HTTPAddr: ":9094",
		Registry: RegistryConfig{
			File:            "tools.toml",
			PollIntervalS:   30,
			WatchDebounceMs: 200,
			CheckTimeoutMs:  2000,
			FormatCacheSize: 256,
		},
		Admission: AdmissionConfig{MaxConcurrent: 8},
		Sandbox: SandboxConfig{
			Mode:              "auto",
			OutputLimitBytes:  64 * 1024,
			DefaultTimeoutS:   30,
			KillGraceMs:       2000,
			ScratchRoot:       filepath.Join(os.TempDir(), "tool-sandbox"),
			ScratchRetentionS: 3600,
			CleanupIntervalS:  600,
		},
		Audit: AuditConfig{
			File:       "audit.log",
			MaxBytes:   10 * 1024 * 1024,
			RetentionS: 30 * 24 * 3600,
		},
		Redaction: RedactionConfig{Style: "full"},
		Auth:      AuthConfig{CacheTTLS: 30},
		Throttle:  ThrottleConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// Load reads path when it is non-empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config.Load: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config.Load: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.LogLevel = envOrDefault("TOOL_SANDBOX_LOG_LEVEL", c.LogLevel)
	c.Port = envOrDefault("TOOL_SANDBOX_PORT", c.Port)
	c.HTTPAddr = envOrDefault("TOOL_SANDBOX_HTTP_ADDR", c.HTTPAddr)

	c.Registry.File = envOrDefault("TOOL_SANDBOX_REGISTRY_FILE", c.Registry.File)
	c.Registry.PostgresDSN = envOrDefault("TOOL_SANDBOX_REGISTRY_POSTGRES_DSN", envOrDefault("POSTGRES_DSN", c.Registry.PostgresDSN))
	c.Registry.PollIntervalS = envOrDefaultInt("TOOL_SANDBOX_REGISTRY_POLL_INTERVAL_S", c.Registry.PollIntervalS)
	c.Registry.CheckTimeoutMs = envOrDefaultInt("TOOL_SANDBOX_CHECK_TIMEOUT_MS", c.Registry.CheckTimeoutMs)

	c.Admission.MaxConcurrent = envOrDefaultInt("TOOL_SANDBOX_MAX_CONCURRENT", c.Admission.MaxConcurrent)
	c.Admission.AcquireWaitMs = envOrDefaultInt("TOOL_SANDBOX_ACQUIRE_WAIT_MS", c.Admission.AcquireWaitMs)

	c.Sandbox.Mode = envOrDefault("TOOL_SANDBOX_MODE", c.Sandbox.Mode)
	c.Sandbox.OutputLimitBytes = envOrDefaultInt("TOOL_SANDBOX_OUTPUT_LIMIT_BYTES", c.Sandbox.OutputLimitBytes)
	c.Sandbox.DefaultTimeoutS = envOrDefaultInt("TOOL_SANDBOX_DEFAULT_TIMEOUT_S", c.Sandbox.DefaultTimeoutS)
	c.Sandbox.KillGraceMs = envOrDefaultInt("TOOL_SANDBOX_KILL_GRACE_MS", c.Sandbox.KillGraceMs)
	c.Sandbox.ScratchRoot = envOrDefault("TOOL_SANDBOX_SCRATCH_ROOT", c.Sandbox.ScratchRoot)

	c.Audit.File = envOrDefault("TOOL_SANDBOX_AUDIT_FILE", c.Audit.File)
	c.Audit.MaxBytes = int64(envOrDefaultInt("TOOL_SANDBOX_AUDIT_MAX_BYTES", int(c.Audit.MaxBytes)))
	c.Audit.MaxAgeS = envOrDefaultInt("TOOL_SANDBOX_AUDIT_MAX_AGE_S", c.Audit.MaxAgeS)
	c.Audit.RetentionS = envOrDefaultInt("TOOL_SANDBOX_AUDIT_RETENTION_S", c.Audit.RetentionS)
	c.Audit.MaxBackups = envOrDefaultInt("TOOL_SANDBOX_AUDIT_MAX_BACKUPS", c.Audit.MaxBackups)
	c.Audit.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.Audit.ClickHouseDSN)
	c.Audit.Log = envOrDefaultBool("TOOL_SANDBOX_AUDIT_LOG", c.Audit.Log)

	c.Redaction.RulesFile = envOrDefault("TOOL_SANDBOX_REDACTION_RULES", c.Redaction.RulesFile)
	c.Redaction.Style = envOrDefault("TOOL_SANDBOX_REDACTION_STYLE", c.Redaction.Style)

	c.Auth.PostgresDSN = envOrDefault("TOOL_SANDBOX_AUTH_POSTGRES_DSN", envOrDefault("POSTGRES_DSN", c.Auth.PostgresDSN))
	c.Auth.CacheTTLS = envOrDefaultInt("TOOL_SANDBOX_AUTH_CACHE_TTL_S", c.Auth.CacheTTLS)

	c.Throttle.RequestsPerSecond = envOrDefaultFloat("TOOL_SANDBOX_THROTTLE_RPS", c.Throttle.RequestsPerSecond)
	c.Throttle.Burst = envOrDefaultInt("TOOL_SANDBOX_THROTTLE_BURST", c.Throttle.Burst)
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	var errs []string
	if c.Port == "" {
		errs = append(errs, "port is required")
	}
	if c.Registry.File == "" && c.Registry.PostgresDSN == "" {
		errs = append(errs, "registry.file or registry.postgres_dsn is required")
	}
	switch c.Sandbox.Mode {
	case "auto", "rlimit", "polling":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.mode %q is not one of auto, rlimit, polling", c.Sandbox.Mode))
	}
	switch c.Redaction.Style {
	case "full", "hint":
	default:
		errs = append(errs, fmt.Sprintf("redaction.style %q is not one of full, hint", c.Redaction.Style))
	}
	if c.Admission.MaxConcurrent < 1 {
		errs = append(errs, "admission.max_concurrent must be at least 1")
	}
	for class, n := range c.Admission.ClassLimits {
		if n < 1 {
			errs = append(errs, fmt.Sprintf("admission.class_limits.%s must be at least 1", class))
		}
	}
	if c.Audit.RetentionS < 0 || c.Audit.MaxAgeS < 0 || c.Audit.MaxBackups < 0 {
		errs = append(errs, "audit.max_age_s, audit.retention_s and audit.max_backups must not be negative")
	}
	if c.Sandbox.OutputLimitBytes < 1 {
		errs = append(errs, "sandbox.output_limit_bytes must be positive")
	}
	for i, k := range c.Auth.Keys {
		if !strings.HasPrefix(k.Key, "tsb_") || k.Principal == "" {
			errs = append(errs, fmt.Sprintf("auth.keys[%d] needs a tsb_ key and a principal", i))
		}
	}
	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.Registry.CheckTimeoutMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Registry.PollIntervalS) * time.Second
}

func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Registry.WatchDebounceMs) * time.Millisecond
}

func (c *Config) AcquireWait() time.Duration {
	return time.Duration(c.Admission.AcquireWaitMs) * time.Millisecond
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Sandbox.DefaultTimeoutS) * time.Second
}

func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Sandbox.KillGraceMs) * time.Millisecond
}

func (c *Config) ScratchRetention() time.Duration {
	return time.Duration(c.Sandbox.ScratchRetentionS) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Sandbox.CleanupIntervalS) * time.Second
}

func (c *Config) AuditMaxAge() time.Duration {
	return time.Duration(c.Audit.MaxAgeS) * time.Second
}

func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Audit.RetentionS) * time.Second
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.Auth.CacheTTLS) * time.Second
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
