// Package config loads the packmirror configuration from defaults, an
// optional config file, PACKMIRROR_* environment variables, and runtime
// override maps, in that precedence order (highest last).
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the resolved application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Catalog CatalogConfig `mapstructure:"catalog"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MirrorConfig carries the job defaults applied when a create request
// leaves a field empty.
type MirrorConfig struct {
	HomeDir          string        `mapstructure:"home_dir"`
	FinalRegistry    string        `mapstructure:"final_registry"`
	RegistryAuthFile string        `mapstructure:"registry_auth_file"`
	MinDiskSpaceGB   int           `mapstructure:"min_disk_space_gb"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	MaxPerRegistry   int           `mapstructure:"max_per_registry"`
	StageTimeout     time.Duration `mapstructure:"stage_timeout"`
	MirrorTimeout    time.Duration `mapstructure:"mirror_timeout"`
	OCBin            string        `mapstructure:"oc_bin"`
	PodmanBin        string        `mapstructure:"podman_bin"`
	SourceRegistry   string        `mapstructure:"source_registry"`
}

// NotifyConfig configures lifecycle notifications.
type NotifyConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	Email          string        `mapstructure:"email"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MinimumGap     time.Duration `mapstructure:"minimum_gap"`
	DisableOnError bool          `mapstructure:"disable_on_error"`
}

// CatalogConfig points at the component catalog file. Empty means the
// embedded catalog is used.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// Load resolves the configuration. Optional override maps are applied on
// top of file and environment values; later maps win.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("packmirror")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.packmirror")
	v.AddConfigPath("/etc/packmirror")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PACKMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short operator-facing aliases.
	bindEnvAliases(v)

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("mirror.home_dir", "/opt/packmirror")
	v.SetDefault("mirror.final_registry", "registry.example.com:5000")
	v.SetDefault("mirror.registry_auth_file", "")
	v.SetDefault("mirror.min_disk_space_gb", 100)
	v.SetDefault("mirror.max_retries", 3)
	v.SetDefault("mirror.retry_base_delay", 5*time.Second)
	v.SetDefault("mirror.max_per_registry", 2)
	v.SetDefault("mirror.stage_timeout", 15*time.Minute)
	v.SetDefault("mirror.mirror_timeout", 6*time.Hour)
	v.SetDefault("mirror.oc_bin", "oc")
	v.SetDefault("mirror.podman_bin", "podman")
	v.SetDefault("mirror.source_registry", "cp.icr.io")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.email", "")
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.minimum_gap", time.Second)
	v.SetDefault("notify.disable_on_error", false)

	v.SetDefault("catalog.path", "")
}

func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PACKMIRROR_PORT", "PACKMIRROR_SERVER_PORT")
	_ = v.BindEnv("server.host", "PACKMIRROR_HOST", "PACKMIRROR_SERVER_HOST")
	_ = v.BindEnv("logging.level", "PACKMIRROR_LOG_LEVEL", "PACKMIRROR_LOGGING_LEVEL")
	_ = v.BindEnv("mirror.home_dir", "PACKMIRROR_HOME_DIR", "PACKMIRROR_MIRROR_HOME_DIR")
	_ = v.BindEnv("notify.webhook_url", "PACKMIRROR_WEBHOOK_URL", "PACKMIRROR_NOTIFY_WEBHOOK_URL")
	_ = v.BindEnv("notify.email", "PACKMIRROR_NOTIFICATION_EMAIL", "PACKMIRROR_NOTIFY_EMAIL")
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Mirror.HomeDir) == "" {
		return fmt.Errorf("mirror.home_dir is required")
	}
	if c.Mirror.MaxRetries < 1 {
		return fmt.Errorf("mirror.max_retries must be at least 1")
	}
	if c.Mirror.RetryBaseDelay <= 0 {
		return fmt.Errorf("mirror.retry_base_delay must be positive")
	}
	if c.Mirror.MinDiskSpaceGB < 0 {
		return fmt.Errorf("mirror.min_disk_space_gb must not be negative")
	}
	return nil
}
