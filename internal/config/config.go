// Package config loads proxy configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the immutable process configuration. Components receive a
// copy at construction; runtime mutation happens only through the admin
// surfaces (backend registry, model-swap config).
type Config struct {
	AnthropicAPIKey  string `mapstructure:"anthropic_api_key"`
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`

	DatabaseURL string `mapstructure:"database_url"`

	SecretKey                string `mapstructure:"secret_key"`
	Algorithm                string `mapstructure:"algorithm"`
	AccessTokenExpireMinutes int    `mapstructure:"access_token_expire_minutes"`

	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`

	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	DefaultRateLimit  int `mapstructure:"default_rate_limit"`
	DefaultQuotaLimit int `mapstructure:"default_quota_limit"`

	EnableModelSwapping bool              `mapstructure:"enable_model_swapping"`
	ModelMapping        map[string]string `mapstructure:"model_mapping"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// UpstreamTimeout caps any single forwarded request.
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
}

// AccessTokenTTL returns the configured admin token lifetime.
func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// Load reads configuration from environment variables (and an optional
// .env-style config file in the working directory).
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("anthropic_base_url", "https://api.anthropic.com")
	v.SetDefault("database_url", "claudegate.db")
	v.SetDefault("algorithm", "HS256")
	v.SetDefault("access_token_expire_minutes", 30)
	v.SetDefault("admin_username", "admin")
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8000)
	v.SetDefault("default_rate_limit", 1000)
	v.SetDefault("default_quota_limit", 100000)
	v.SetDefault("enable_model_swapping", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("upstream_timeout", 300*time.Second)

	v.SetConfigName("claudegate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"anthropic_api_key", "anthropic_base_url", "database_url",
		"secret_key", "algorithm", "access_token_expire_minutes",
		"admin_username", "admin_password", "server_host", "server_port",
		"default_rate_limit", "default_quota_limit",
		"enable_model_swapping", "model_mapping",
		"log_level", "log_format", "metrics_enabled", "upstream_timeout",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if raw := v.GetString("model_mapping"); raw != "" && len(cfg.ModelMapping) == 0 {
		cfg.ModelMapping = parseMapping(raw)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return fmt.Errorf("secret_key is required")
	}
	if strings.TrimSpace(c.AdminPassword) == "" {
		return fmt.Errorf("admin_password is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}
	return nil
}

// parseMapping decodes "a=b,c=d" environment values into a map.
func parseMapping(raw string) map[string]string {
	mapping := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		from := strings.TrimSpace(parts[0])
		to := strings.TrimSpace(parts[1])
		if from == "" || to == "" {
			continue
		}
		mapping[from] = to
	}
	if len(mapping) == 0 {
		return nil
	}
	return mapping
}
