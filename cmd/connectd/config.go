package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"connectd/core"
	"connectd/logger"
)

const envPrefix = "CONNECTD_"

type AppConfig struct {
	Core core.Config `yaml:",inline"`

	Port     string `yaml:"port" env:"PORT"`
	BasePath string `yaml:"base_path" env:"BASE_PATH"`

	Log     logger.Config `yaml:"log" envPrefix:"LOG_"`
	DB      DBConfig      `yaml:"db" envPrefix:"DB_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	Publish PublishConfig `yaml:"publish" envPrefix:"PUBLISH_"`
}

type DBConfig struct {
	Type         string `yaml:"type" env:"TYPE"`
	SQLitePath   string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN  string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	YDBDSN       string `yaml:"ydb_dsn" env:"YDB_DSN"`
	YDBSAKeyFile string `yaml:"ydb_sa_key_file" env:"YDB_SA_KEY_FILE"`
}

type SessionConfig struct {
	Type          string        `yaml:"type" env:"TYPE"` // memory | redis
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	Secure        bool          `yaml:"secure" env:"SECURE"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
}

type PublishConfig struct {
	Subreddit string `yaml:"subreddit" env:"SUBREDDIT"`
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Port:     "8000",
		BasePath: "/oauth2_capture",
		Log:      logger.Config{Env: "dev", Level: "info", Service: "connectd"},
		DB:       DBConfig{Type: "sqlite", SQLitePath: "connectd.db"},
		Session:  SessionConfig{Type: "memory", TTL: 15 * time.Minute},
	}
}

// loadConfig reads .env, then the YAML file, then CONNECTD_* overrides.
// ${VAR} references in the file are expanded so secrets can stay out of it.
func loadConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// env-only configuration
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Core.Providers == nil {
		cfg.Core.Providers = map[core.Provider]core.ProviderConfig{}
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	if err := c.Core.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Core.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	switch c.Session.Type {
	case "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			errs = append(errs, errors.New("session.redis_addr is required for redis sessions"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported session type %q (supported: memory, redis)", c.Session.Type))
	}
	return errors.Join(errs...)
}
