// Package config loads fetchd configuration from file, environment, and
// defaults, with struct validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server Server `mapstructure:"server" validate:"required"`
	Queue  Queue  `mapstructure:"queue" validate:"required"`
	Retry  Retry  `mapstructure:"retry" validate:"required"`
	Proxy  Proxy  `mapstructure:"proxy" validate:"required"`
	Cache  Cache  `mapstructure:"cache"`
	Log    Log    `mapstructure:"log" validate:"required"`
}

type Server struct {
	ListenAddr   string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"required,min=1s,max=5m"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"required,min=1s,max=5m"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"required,min=1s,max=10m"`
}

type Queue struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"required,min=1,max=600"`
	MinDelay          time.Duration `mapstructure:"min_delay" validate:"min=0,max=1m"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"required,min=1024"`
}

type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"required,min=1,max=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"required,min=100ms,max=1m"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"required,min=1s,max=5m"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=2m"`
}

type Proxy struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" validate:"required,min=1,max=100"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"required,min=1m,max=24h"`
	SourceTimeout   time.Duration `mapstructure:"source_timeout" validate:"required,min=1s,max=2m"`
	Sources         []string      `mapstructure:"sources" validate:"omitempty,dive,oneof=proxyscrape freeproxylist geonode proxylistdownload"`
}

type Cache struct {
	Enabled    bool          `mapstructure:"enabled"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	RedisDB    int           `mapstructure:"redis_db" validate:"min=0,max=15"`
	DefaultTTL time.Duration `mapstructure:"default_ttl" validate:"min=0,max=24h"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("queue.requests_per_minute", 10)
	v.SetDefault("queue.min_delay", "2s")
	v.SetDefault("queue.max_body_bytes", 10<<20)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.timeout", "15s")

	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.refresh_interval", "30m")
	v.SetDefault("proxy.source_timeout", "10s")
	v.SetDefault("proxy.sources", []string{"proxyscrape", "freeproxylist", "geonode", "proxylistdownload"})

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.default_ttl", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration with precedence: explicit file, then FETCHPIPE_*
// environment variables, then defaults. A missing config file is not an
// error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("fetchd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fetchd")

	v.SetEnvPrefix("FETCHPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := registerCustomValidators(validate); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func registerCustomValidators(validate *validator.Validate) error {
	// hostname_port accepts ":8090" style listen addresses.
	return validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		return addr != "" && strings.Contains(addr, ":")
	})
}
