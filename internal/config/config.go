// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode is the unconditional layer-5 fallback the policy engine applies
// once no deny/allow list resolves a capability check: Strict always
// denies (and never consults a prompter), Prompt always asks, Permissive
// always allows.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModePrompt     Mode = "prompt"
	ModePermissive Mode = "permissive"
)

// Profile names a built-in bundle of a Mode plus the default_caps/deny_caps
// that go with it. Profiles are a config convenience, not a fourth
// precedence layer: choosing one just seeds Mode/DefaultCaps/DenyCaps.
type Profile string

const (
	ProfileSafe       Profile = "safe"
	ProfileStandard   Profile = "standard"
	ProfilePermissive Profile = "permissive"
)

// ProfileDefaults returns the PolicyConfig preset for a named profile,
// falling back to the Safe preset for an unrecognized name.
func ProfileDefaults(p Profile) PolicyConfig {
	switch p {
	case ProfileStandard:
		return PolicyConfig{
			Mode:        ModePrompt,
			DefaultCaps: []string{"read", "write", "http", "events", "session"},
			DenyCaps:    []string{"exec", "env"},
		}
	case ProfilePermissive:
		return PolicyConfig{
			Mode:        ModePermissive,
			DefaultCaps: []string{},
			DenyCaps:    []string{},
		}
	default: // Safe
		return PolicyConfig{
			Mode:        ModeStrict,
			DefaultCaps: []string{"read", "write"},
			DenyCaps:    []string{"exec", "env"},
		}
	}
}

// ExtensionOverride holds per-extension capability overrides layered on
// top of the mode's default/deny sets.
type ExtensionOverride struct {
	AllowCaps []string `mapstructure:"allow_caps"`
	DenyCaps  []string `mapstructure:"deny_caps"`
}

// PolicyConfig is the capability policy engine's configuration, matching
// the decision procedure's five layers. Profile is a convenience preset
// applied by Load when Mode/DefaultCaps/DenyCaps are not set explicitly;
// Mode/DefaultCaps/DenyCaps always take precedence once set.
type PolicyConfig struct {
	Profile      Profile                      `mapstructure:"profile"`
	Mode         Mode                         `mapstructure:"mode"`
	MaxMemoryMB  int                          `mapstructure:"max_memory_mb"`
	DefaultCaps  []string                     `mapstructure:"default_caps"`
	DenyCaps     []string                     `mapstructure:"deny_caps"`
	PerExtension map[string]ExtensionOverride `mapstructure:"per_extension"`
}

type AuditConfig struct {
	LogPath    string `mapstructure:"log_path"`
	RotateMB   int    `mapstructure:"rotate_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	NATSURL    string `mapstructure:"nats_url"`
	NATSSubj   string `mapstructure:"nats_subject"`
}

type PermissionStoreConfig struct {
	Path string `mapstructure:"path"`
}

type RegionConfig struct {
	CleanupBudget time.Duration `mapstructure:"cleanup_budget"`
}

type RuntimeConfig struct {
	NodeModulesEnabled []string `mapstructure:"node_modules_enabled"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	LogLevel    string        `mapstructure:"log_level"`
	MetricsPort int           `mapstructure:"metrics_port"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type AdminAPIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ExtensionConfig names one extension to load at startup: its id (used
// throughout policy, audit, and capability checks) and the entry script
// the runtime evaluates first.
type ExtensionConfig struct {
	ID        string `mapstructure:"id"`
	EntryPath string `mapstructure:"entry_path"`
}

type Config struct {
	Policy          PolicyConfig          `mapstructure:"policy"`
	Audit           AuditConfig           `mapstructure:"audit"`
	PermissionStore PermissionStoreConfig `mapstructure:"permission_store"`
	Region          RegionConfig          `mapstructure:"region"`
	Runtime         RuntimeConfig         `mapstructure:"runtime"`
	Observability   ObservabilityConfig   `mapstructure:"observability"`
	AdminAPI        AdminAPIConfig        `mapstructure:"admin_api"`
	Extensions      []ExtensionConfig     `mapstructure:"extensions"`
}

func defaultConfig() *Config {
	policy := ProfileDefaults(ProfileStandard)
	policy.Profile = ProfileStandard
	policy.MaxMemoryMB = 64
	policy.PerExtension = map[string]ExtensionOverride{}
	return &Config{
		Policy: policy,
		Audit: AuditConfig{
			LogPath:    "./data/audit.jsonl",
			RotateMB:   50,
			MaxBackups: 5,
			Compress:   true,
		},
		PermissionStore: PermissionStoreConfig{
			Path: "./data/permissions.json",
		},
		Region: RegionConfig{
			CleanupBudget: 5 * time.Second,
		},
		Runtime: RuntimeConfig{
			NodeModulesEnabled: []string{"events", "buffer", "util", "timers"},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsPort: 9090,
			Tracing:     TracingConfig{Enabled: false},
		},
		AdminAPI: AdminAPIConfig{
			Enabled: false,
			Port:    8090,
		},
	}
}

// Load reads configuration from a YAML file (if present) and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PIEXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("policy.profile", string(def.Policy.Profile))
	v.SetDefault("policy.max_memory_mb", def.Policy.MaxMemoryMB)

	v.SetDefault("audit.log_path", def.Audit.LogPath)
	v.SetDefault("audit.rotate_mb", def.Audit.RotateMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.compress", def.Audit.Compress)

	v.SetDefault("permission_store.path", def.PermissionStore.Path)
	v.SetDefault("region.cleanup_budget", def.Region.CleanupBudget)
	v.SetDefault("runtime.node_modules_enabled", def.Runtime.NodeModulesEnabled)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("admin_api.enabled", def.AdminAPI.Enabled)
	v.SetDefault("admin_api.port", def.AdminAPI.Port)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Profile just seeds mode/default_caps/deny_caps; an explicit
	// policy.mode, policy.default_caps, or policy.deny_caps in the file or
	// environment always wins over the profile preset.
	preset := ProfileDefaults(cfg.Policy.Profile)
	if !v.IsSet("policy.mode") {
		cfg.Policy.Mode = preset.Mode
	}
	if !v.IsSet("policy.default_caps") {
		cfg.Policy.DefaultCaps = preset.DefaultCaps
	}
	if !v.IsSet("policy.deny_caps") {
		cfg.Policy.DenyCaps = preset.DenyCaps
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints, failing closed to Strict on an
// unrecognized mode rather than returning an error.
func Validate(cfg *Config) error {
	switch cfg.Policy.Mode {
	case ModeStrict, ModePrompt, ModePermissive:
	default:
		cfg.Policy.Mode = ModeStrict
	}
	if cfg.Policy.MaxMemoryMB <= 0 {
		return fmt.Errorf("policy.max_memory_mb must be > 0")
	}
	if cfg.Region.CleanupBudget <= 0 {
		cfg.Region.CleanupBudget = 5 * time.Second
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
