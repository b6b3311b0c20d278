package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/skein-dev/skein/errors"
)

// Load reads the skein configuration using Viper.
// Search order: $SKEIN_CONFIG, ./skein.toml, ~/.config/skein/skein.toml.
// Environment variables with the SKEIN_ prefix override file values
// (e.g. SKEIN_WORKER_WORKERS=4).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("skein")
	v.SetConfigType("toml")

	if path := os.Getenv("SKEIN_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "skein"))
		}
	}

	v.SetEnvPrefix("SKEIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// SetDefaults registers default values on the given Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "skein.db")

	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.progress_ttl_seconds", 3600)
	v.SetDefault("cache.result_ttl_seconds", 86400)

	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval_seconds", 1)

	v.SetDefault("bulk.max_sync_items", 50)
	v.SetDefault("bulk.chunk_size", 500)
}
