// Package config loads the autoscaler configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ass-a2s/jitsi-autoscaler/internal/lock"
	"github.com/ass-a2s/jitsi-autoscaler/internal/redis"
	"github.com/ass-a2s/jitsi-autoscaler/internal/tracker"
)

// Config is the full configuration surface of the autoscaler process.
type Config struct {
	LogLevel   string       `mapstructure:"log_level"`
	ListenAddr string       `mapstructure:"listen_addr" validate:"required"`
	Redis      redis.Config `mapstructure:"redis"`
	Autoscaler Autoscaler   `mapstructure:"autoscaler"`
}

// Autoscaler groups the control-loop and coordination settings.
type Autoscaler struct {
	ProcessInterval time.Duration  `mapstructure:"process_interval" validate:"gt=0"`
	Tracker         tracker.Config `mapstructure:",squash"`
	Lock            lock.Config    `mapstructure:"lock"`
}

// LoadConfig reads configuration from the given path (or the default
// search paths when empty), applies AUTOSCALER_* environment overrides,
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("AUTOSCALER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	} else {
		for _, candidate := range []string{"./config.yaml", "./configs/config.yaml", "/etc/autoscaler/config.yaml"} {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			v.SetConfigFile(candidate)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", candidate, err)
			}
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8080")

	defaults := redis.DefaultConfig()
	v.SetDefault("redis.addr", defaults.Addr)
	v.SetDefault("redis.db", defaults.DB)
	v.SetDefault("redis.lock_nodes", defaults.LockNodes)
	v.SetDefault("redis.pool_size", defaults.PoolSize)
	v.SetDefault("redis.min_idle_conns", defaults.MinIdleConns)
	v.SetDefault("redis.pool_timeout", defaults.PoolTimeout)
	v.SetDefault("redis.max_retries", defaults.MaxRetries)
	v.SetDefault("redis.min_retry_backoff", defaults.MinRetryBackoff)
	v.SetDefault("redis.max_retry_backoff", defaults.MaxRetryBackoff)
	v.SetDefault("redis.dial_timeout", defaults.DialTimeout)
	v.SetDefault("redis.read_timeout", defaults.ReadTimeout)
	v.SetDefault("redis.write_timeout", defaults.WriteTimeout)

	v.SetDefault("autoscaler.process_interval", "10s")
	v.SetDefault("autoscaler.idle_ttl", "90s")
	v.SetDefault("autoscaler.metric_ttl", "15m")
	v.SetDefault("autoscaler.grace_period_ttl", "5m")
	v.SetDefault("autoscaler.lock.ttl", "60s")
	v.SetDefault("autoscaler.lock.drift_factor", 0.01)
	v.SetDefault("autoscaler.lock.retry_count", 3)
	v.SetDefault("autoscaler.lock.retry_delay", "200ms")
	v.SetDefault("autoscaler.lock.retry_jitter", "200ms")
}
