package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the client-side configuration for the sync engine and CLI.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Identity IdentityConfig `mapstructure:"identity"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type StoreConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type IdentityConfig struct {
	PrincipalID string `mapstructure:"principal_id"`
	// TenantID pins the tenant directly; when empty it is resolved from
	// the profiles collection by principal id.
	TenantID          string `mapstructure:"tenant_id"`
	ProfileCollection string `mapstructure:"profile_collection"`
}

type SyncConfig struct {
	Subscribe    bool   `mapstructure:"subscribe"`
	Revalidate   bool   `mapstructure:"revalidate"`
	TenantScoped bool   `mapstructure:"tenant_scoped"`
	Select       string `mapstructure:"select"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from a file and LIVESYNC_* environment
// variables. A missing file is fine; env vars alone can carry the config.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("store.base_url", "http://localhost:8080")
	v.SetDefault("store.rate_per_second", 10)
	v.SetDefault("identity.profile_collection", "profiles")
	v.SetDefault("sync.subscribe", true)
	v.SetDefault("sync.revalidate", true)
	v.SetDefault("sync.tenant_scoped", true)
	v.SetDefault("sync.select", "*")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("LIVESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("store.api_key", "LIVESYNC_API_KEY")
	_ = v.BindEnv("identity.principal_id", "LIVESYNC_PRINCIPAL_ID")
	_ = v.BindEnv("identity.tenant_id", "LIVESYNC_TENANT_ID")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("livesync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Store.BaseURL == "" {
		return fmt.Errorf("store base_url is required")
	}
	if c.Store.RatePerSecond < 1 {
		return fmt.Errorf("rate_per_second must be >= 1")
	}
	if c.Sync.Select == "" {
		return fmt.Errorf("sync select must name columns or be '*'")
	}
	return nil
}
