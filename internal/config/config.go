// Package config loads the engine configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Notify    NotifyConfig    `yaml:"notify"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type ServerConfig struct {
	Port          string   `yaml:"port"`
	Env           string   `yaml:"env"`
	AllowedOrigin string   `yaml:"allowed_origin"`
	AdminUsers    []string `yaml:"admin_users"`
}

type StorageConfig struct {
	// Driver selects the persistence backend: memory or postgres.
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// MaxUploadMB caps multipart document uploads.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkflowConfig struct {
	// DefaultDueDays is applied when an assignment carries no due date.
	DefaultDueDays int `yaml:"default_due_days"`
}

type WebhooksConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type NotifyConfig struct {
	// Mode is log or smtp.
	Mode     string `yaml:"mode"`
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
}

type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", Env: "development", AllowedOrigin: "*"},
		Storage:   StorageConfig{Driver: "memory", MaxUploadMB: 50},
		Redis:     RedisConfig{Addr: ""},
		Workflow:  WorkflowConfig{DefaultDueDays: 7},
		Webhooks:  WebhooksConfig{Workers: 4, QueueSize: 1000},
		Notify:    NotifyConfig{Mode: "log"},
		Reconcile: ReconcileConfig{IntervalSeconds: 30},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers process environment variables over the file values.
func (c *Config) applyEnv() {
	overrideString(&c.Server.Port, "PORT")
	overrideString(&c.Server.Env, "APP_ENV")
	overrideString(&c.Server.AllowedOrigin, "ALLOWED_ORIGIN")
	overrideString(&c.Storage.Driver, "STORAGE_DRIVER")
	overrideString(&c.Storage.PostgresDSN, "DATABASE_URL")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Redis.Password, "REDIS_PASSWORD")
	overrideInt(&c.Redis.DB, "REDIS_DB")
	overrideInt(&c.Storage.MaxUploadMB, "MAX_UPLOAD_MB")
	overrideInt(&c.Workflow.DefaultDueDays, "DEFAULT_DUE_DAYS")
	overrideString(&c.Notify.Mode, "NOTIFY_MODE")
	overrideString(&c.Notify.SMTPAddr, "SMTP_ADDR")
	overrideString(&c.Notify.From, "NOTIFY_FROM")
	overrideInt(&c.Reconcile.IntervalSeconds, "RECONCILE_INTERVAL_SECONDS")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
