package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all biomapper configuration.
// Priority: BIOMAPPER_* env vars > settings.yaml > defaults.
type Config struct {
	DBPath        string        `mapstructure:"db_path"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`
	StrategiesDir string        `mapstructure:"strategies_dir"`
	ResourcesFile string        `mapstructure:"resources_file"`
	OutputDir     string        `mapstructure:"output_dir"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`

	Cache       CacheConfig       `mapstructure:"cache"`
	Metamapping MetamappingConfig `mapstructure:"metamapping"`
	Resources   ResourcesConfig   `mapstructure:"resources"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
}

// CacheConfig selects the mapping cache backend.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"` // memory | libsql | redis | postgres
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
}

type MetamappingConfig struct {
	MaxPathLength int `mapstructure:"max_path_length"`
	Concurrency   int `mapstructure:"concurrency"`
}

// ResourcesConfig tunes the resilience wrapper around mapping resources.
type ResourcesConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// ObjectStoreConfig enables artifact.upload when Endpoint is set.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

func biomapperDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".biomapper"
	}
	return filepath.Join(home, ".biomapper")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(biomapperDir(), "biomapper.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("strategies_dir", "strategies")
	v.SetDefault("resources_file", "")
	v.SetDefault("output_dir", "output")
	v.SetDefault("step_timeout", "0s")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.postgres_dsn", "")

	v.SetDefault("metamapping.max_path_length", 3)
	v.SetDefault("metamapping.concurrency", 8)

	v.SetDefault("resources.timeout", "10s")
	v.SetDefault("resources.max_attempts", 3)
	v.SetDefault("resources.rate_limit", 0)
	v.SetDefault("resources.breaker_failures", 5)
	v.SetDefault("resources.breaker_cooldown", "30s")

	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.region", "")
	v.SetDefault("object_store.use_ssl", false)
	v.SetDefault("object_store.bucket", "")
}

// loadConfig reads configuration. An explicit path must exist; otherwise
// settings.yaml is looked up in the working directory and ~/.biomapper and
// may be absent.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(biomapperDir())
	}

	v.SetEnvPrefix("BIOMAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "libsql", "redis":
	case "postgres":
		if c.Cache.PostgresDSN == "" {
			return errors.New("cache.postgres_dsn is required for the postgres cache backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q (want memory, libsql, redis or postgres)", c.Cache.Backend)
	}
	if c.Metamapping.MaxPathLength < 1 {
		return fmt.Errorf("metamapping.max_path_length must be at least 1, got %d", c.Metamapping.MaxPathLength)
	}
	return nil
}
