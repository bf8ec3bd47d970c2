package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names accepted by Validate.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	// defaultConfigPath is used when neither a flag nor HRAGENT_CONFIG is set.
	defaultConfigPath = "config.yaml"
	// configPathEnv overrides the config file location.
	configPathEnv = "HRAGENT_CONFIG"
)

// AppConfig holds process-level inputs resolved before the config file is read.
type AppConfig struct {
	ConfigPath string
}

// Config is the full service configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	JWT       JWTConfig       `yaml:"jwt"`
	LLM       LLMConfig       `yaml:"llm"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the fast key/value store shared by the cache and the job queue.
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	DB        int           `yaml:"db"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
	EntryTTL  time.Duration `yaml:"entry-ttl"`
	KeyPrefix string        `yaml:"key-prefix"`
}

// QueueConfig configures the reconciliation job queue and its worker pool.
type QueueConfig struct {
	Stream    string        `yaml:"stream"`
	Group     string        `yaml:"group"`
	Workers   int           `yaml:"workers"`
	Block     time.Duration `yaml:"block"`
	StatusTTL time.Duration `yaml:"status-ttl"`
}

// JWTConfig holds the bearer token verification settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// LLMConfig holds the token budget defaults.
type LLMConfig struct {
	TokenLimit int64 `yaml:"token-limit"`
}

// RateLimitConfig configures the per-principal request limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Env: EnvDev,
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			Timeout:   3 * time.Second,
			EntryTTL:  48 * time.Hour,
			KeyPrefix: "hragent:usage:",
		},
		Queue: QueueConfig{
			Stream:    "hragent:jobs",
			Group:     "hragent-workers",
			Workers:   2,
			Block:     2 * time.Second,
			StatusTTL: 24 * time.Hour,
		},
		JWT: JWTConfig{
			Expiry: 60 * time.Minute,
		},
		LLM: LLMConfig{
			TokenLimit: 1000,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// ResolveConfigPath returns the config path from the flag, env, or default.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv(configPathEnv)); fromEnv != "" {
		return fromEnv
	}
	return defaultConfigPath
}

// ConfigExists reports whether a config file exists at path.
func ConfigExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads the YAML file at path (when present), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if ConfigExists(path) {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}
	if errEnv := applyEnvOverrides(&cfg, os.LookupEnv); errEnv != nil {
		return Config{}, errEnv
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN returns only the database DSN; used by the migrate command.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN, nil
}

// LoadJWTConfig returns the JWT settings.
func LoadJWTConfig(path string) (JWTConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return JWTConfig{}, err
	}
	return cfg.JWT, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	switch c.Env {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: env %q should be one of dev, staging, prod", c.Env)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("config: jwt.secret is required")
	}
	if c.LLM.TokenLimit <= 0 {
		return errors.New("config: llm.token-limit must be positive")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("config: redis.port %d out of range", c.Redis.Port)
	}
	if c.Queue.Workers < 0 {
		return errors.New("config: queue.workers must not be negative")
	}
	return nil
}

// IsProduction reports whether the service runs in the prod environment.
func (c Config) IsProduction() bool { return c.Env == EnvProd }

// IsDebuggable reports whether debug output is allowed.
func (c Config) IsDebuggable() bool { return c.Env == EnvDev }

// applyEnvOverrides applies environment variables on top of file values.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, errParse := strconv.Atoi(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: %s: %w", name, errParse)
		}
		*dst = parsed
		return nil
	}

	str("ENV", &cfg.Env)
	str("DATABASE_URL", &cfg.Database.DSN)
	str("SECRET_KEY", &cfg.JWT.Secret)
	str("REDIS_HOST", &cfg.Redis.Host)
	str("REDIS_USER", &cfg.Redis.Username)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	if err := integer("REDIS_PORT", &cfg.Redis.Port); err != nil {
		return err
	}
	if err := integer("REDIS_DB", &cfg.Redis.DB); err != nil {
		return err
	}
	if v, ok := lookup("LLM_TOKEN_LIMIT"); ok && strings.TrimSpace(v) != "" {
		parsed, errParse := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if errParse != nil {
			return fmt.Errorf("config: LLM_TOKEN_LIMIT: %w", errParse)
		}
		cfg.LLM.TokenLimit = parsed
	}
	return nil
}
