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

// Config holds all flowd configuration.
// Priority: flags > FLOWD_* env vars > flowd.yaml > defaults.
type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	BaseURL           string        `mapstructure:"base_url"`
	DBPath            string        `mapstructure:"db_path"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	PoolSize          int           `mapstructure:"pool_size"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	DefinitionsDir    string        `mapstructure:"definitions_dir"`
	NotifyWebhookURL  string        `mapstructure:"notify_webhook_url"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4100",
		DBPath:            filepath.Join(flowdDir(), "flowd.db"),
		LogLevel:          "info",
		LogFormat:         "json",
		PoolSize:          10,
		SchedulerInterval: 30 * time.Second,
	}
}

func flowdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return filepath.Join(home, ".flowd")
}

// newViper returns a viper instance with defaults and the FLOWD_ env prefix.
// Every key gets a default so AutomaticEnv can see it during Unmarshal.
func newViper() *viper.Viper {
	def := defaultConfig()
	v := viper.New()
	v.SetEnvPrefix("FLOWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("base_url", "")
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("pool_size", def.PoolSize)
	v.SetDefault("scheduler_interval", def.SchedulerInterval)
	v.SetDefault("redis_addr", "")
	v.SetDefault("definitions_dir", "")
	v.SetDefault("notify_webhook_url", "")
	return v
}

// readConfig loads the config file into v. An explicit file must exist;
// the default locations are optional.
func readConfig(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("flowd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(flowdDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// decodeConfig unmarshals v and fills derived values.
func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.PoolSize <= 0 {
		return Config{}, fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.SchedulerInterval <= 0 {
		return Config{}, fmt.Errorf("scheduler_interval must be positive, got %s", cfg.SchedulerInterval)
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// dsn turns the configured path into a libsql file URI.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.SchedulerInterval != new.SchedulerInterval {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler_interval")
	}
	if old.RedisAddr != new.RedisAddr {
		d.RestartNeeded = append(d.RestartNeeded, "redis_addr")
	}
	if old.DefinitionsDir != new.DefinitionsDir {
		d.RestartNeeded = append(d.RestartNeeded, "definitions_dir")
	}
	if old.NotifyWebhookURL != new.NotifyWebhookURL {
		d.RestartNeeded = append(d.RestartNeeded, "notify_webhook_url")
	}
	return d
}
