package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Delta    Delta    `mapstructure:"delta"`
	Engine   Engine   `mapstructure:"engine"`
	Sizing   Sizing   `mapstructure:"sizing"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
}

// Delta holds the configuration for the Delta Exchange API.
type Delta struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// Engine holds the configuration for the copy-trade poll loops.
type Engine struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	CycleTimeout           time.Duration `mapstructure:"cycle_timeout"`
	AccountRefreshInterval time.Duration `mapstructure:"account_refresh_interval"`
	DetectionWindow        time.Duration `mapstructure:"detection_window"`
	Workers                int           `mapstructure:"workers"`
	RetryAttempts          int           `mapstructure:"retry_attempts"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay"`
}

// Sizing holds the follower order sizing knobs.
type Sizing struct {
	BalanceAsset              string  `mapstructure:"balance_asset"`
	StrictMode                bool    `mapstructure:"strict_mode"`
	FallbackMarginPerContract float64 `mapstructure:"fallback_margin_per_contract"`
}

// Server holds the configuration for the status server.
// A zero port disables it.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the datastore.
type Database struct {
	URL          string `mapstructure:"url"`
	ServiceKey   string `mapstructure:"service_key"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// Redis holds the optional lease backend. An empty address disables leasing.
type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from an optional config file, a .env file and
// environment variables, in increasing order of precedence.
func LoadConfig(path string) (config Config, err error) {
	// A missing .env is the normal case in production.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, envs := range map[string][]string{
		"database.url":         {"DATABASE_URL", "SUPABASE_DB_URL"},
		"database.service_key": {"DATASTORE_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY"},
		"delta.base_url":       {"DELTA_BASE_URL"},
	} {
		if err = v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return
		}
	}

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("delta.base_url", "https://api.india.delta.exchange")
	v.SetDefault("delta.request_timeout", 10*time.Second)
	v.SetDefault("delta.rate_limit", 10) // requests per second, per API key
	v.SetDefault("delta.rate_limit_burst", 5)

	v.SetDefault("engine.poll_interval", 2*time.Second)
	v.SetDefault("engine.cycle_timeout", time.Minute)
	v.SetDefault("engine.account_refresh_interval", time.Minute)
	v.SetDefault("engine.detection_window", 20*time.Minute)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_base_delay", time.Second)
	v.SetDefault("engine.retry_max_delay", 5*time.Second)

	v.SetDefault("sizing.balance_asset", "USD")
	v.SetDefault("sizing.strict_mode", false)
	v.SetDefault("sizing.fallback_margin_per_contract", 0.1)

	v.SetDefault("server.port", 0)

	v.SetDefault("database.url", "")
	v.SetDefault("database.service_key", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_ttl", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate reports the first setting that would keep the service from starting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Database.URL) == "":
		return errors.New("database url is required (DATABASE_URL)")
	case strings.TrimSpace(c.Delta.BaseURL) == "":
		return errors.New("delta base url is required (DELTA_BASE_URL)")
	case c.Delta.RequestTimeout <= 0:
		return errors.New("delta.request_timeout must be positive")
	case c.Engine.PollInterval <= 0:
		return errors.New("engine.poll_interval must be positive")
	case c.Engine.Workers < 1:
		return errors.New("engine.workers must be at least 1")
	case c.Engine.RetryAttempts < 1:
		return errors.New("engine.retry_attempts must be at least 1")
	case c.Engine.RetryBaseDelay <= 0 || c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay:
		return errors.New("engine retry delays must satisfy 0 < base <= max")
	case c.Sizing.FallbackMarginPerContract < 0:
		return errors.New("sizing.fallback_margin_per_contract must not be negative")
	}
	return nil
}
