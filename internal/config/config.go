// Package config assembles domain.Config from defaults, an optional config
// file and RECEIPTCHECK_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/dental-clinic-os/receiptcheck/internal/domain"
)

// EnvPrefix prefixes every environment variable, e.g. RECEIPTCHECK_SERVER_PORT.
const EnvPrefix = "RECEIPTCHECK"

// Load reads the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, domain.DefaultConfig())

	// Keys without a default must be bound so Unmarshal sees them.
	v.BindEnv("server.allowed_origins")
	v.BindEnv("repository.postgres_host")
	v.BindEnv("repository.postgres_user")
	v.BindEnv("repository.postgres_password")
	v.BindEnv("repository.postgres_db")
	v.BindEnv("cache.redis_addr")
	v.BindEnv("cache.redis_password")
	v.BindEnv("eventbus.nats_url")
	v.BindEnv("eventbus.nats_token")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_port", 5432)
	v.SetDefault("repository.postgres_sslmode", "disable")
	v.SetDefault("repository.max_open_conns", 25)
	v.SetDefault("repository.max_idle_conns", 5)
	v.SetDefault("repository.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.enable_two_phase", false)

	v.SetDefault("eventbus.type", d.EventBus.Type)
	v.SetDefault("eventbus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.nats_max_reconnects", 10)
	v.SetDefault("eventbus.nats_reconnect_wait", 2)

	v.SetDefault("check.dwell_millis", d.Check.DwellMillis)
	v.SetDefault("check.timezone", d.Check.Timezone)
	v.SetDefault("check.consultation_prefixes", d.Check.ConsultationPrefixes)
	v.SetDefault("check.rule_snapshot_ttl", d.Check.RuleSnapshotTTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Validate rejects settings the components would refuse later anyway.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("repository.driver must be \"sqlite\" or \"postgres\", got %q", cfg.Repository.Driver)
	}
	if cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresHost == "" {
		return fmt.Errorf("repository.postgres_host is required for the postgres driver")
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type must be \"memory\" or \"redis\", got %q", cfg.Cache.Type)
	}
	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis cache")
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("eventbus.type must be \"channel\" or \"nats\", got %q", cfg.EventBus.Type)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Check.DwellMillis < 0 {
		return fmt.Errorf("check.dwell_millis must not be negative")
	}
	if _, err := Location(cfg); err != nil {
		return err
	}
	return nil
}

// Location resolves check.timezone. Empty means the process's local zone.
func Location(cfg *domain.Config) (*time.Location, error) {
	if cfg.Check.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.Check.Timezone)
	if err != nil {
		return nil, fmt.Errorf("check.timezone: %w", err)
	}
	return loc, nil
}

// Dwell returns the configured dwell time.
func Dwell(cfg *domain.Config) time.Duration {
	return time.Duration(cfg.Check.DwellMillis) * time.Millisecond
}
