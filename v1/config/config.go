// Package config loads the process-level configuration of warden from the
// environment. Every variable is read with the WARDEN_ prefix.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

// Prefix is prepended to every environment variable name.
const Prefix = "WARDEN_"

// Backend names accepted by WARDEN_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Bus names accepted by WARDEN_BUS.
const (
	BusNone  = "none"
	BusRedis = "redis"
	BusNATS  = "nats"
	BusKafka = "kafka"
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR, default=127.0.0.1:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`
}

// SQLConfig holds the relational backend settings.
type SQLConfig struct {
	// DSN is a Postgres connection string or a SQLite file name.
	DSN           string `env:"DSN"`
	LockTable     string `env:"LOCK_TABLE, default=resource_locks"`
	ThrottleTable string `env:"THROTTLE_TABLE, default=throttling_locks"`
}

// LockConfig tunes the lock provider.
type LockConfig struct {
	TTL            time.Duration `env:"LOCK_TTL, default=20m"`
	AcquireTimeout time.Duration `env:"LOCK_ACQUIRE_TIMEOUT, default=30s"`
	PollInterval   time.Duration `env:"LOCK_POLL_INTERVAL, default=100ms"`
}

// ThrottleConfig tunes the throttling provider.
type ThrottleConfig struct {
	MaxHits         int64         `env:"THROTTLE_MAX_HITS, default=60"`
	Period          time.Duration `env:"THROTTLE_PERIOD, default=1m"`
	AcquireTimeout  time.Duration `env:"THROTTLE_ACQUIRE_TIMEOUT, default=30s"`
	PollInterval    time.Duration `env:"THROTTLE_POLL_INTERVAL, default=100ms"`
	CleanupInterval time.Duration `env:"THROTTLE_CLEANUP_INTERVAL, default=1m"`
	CleanupWindows  int           `env:"THROTTLE_CLEANUP_WINDOWS, default=2"`
}

// Config is the complete warden configuration.
type Config struct {
	Redis    RedisConfig
	SQL      SQLConfig
	Lock     LockConfig
	Throttle ThrottleConfig

	Backend string `env:"BACKEND, default=memory"`
	// KeyPrefix overrides the Redis key prefix of both storages.
	KeyPrefix string `env:"KEY_PREFIX"`
	Bus       string `env:"BUS, default=none"`
	NATSURL   string `env:"NATS_URL, default=nats://127.0.0.1:4222"`
	// KafkaBrokers is a comma separated broker list.
	KafkaBrokers []string `env:"KAFKA_BROKERS, default=127.0.0.1:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC, default=warden-releases"`
	Debug        bool     `env:"DEBUG"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from l, prefixing every name with Prefix.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, envconfig.PrefixLookuper(Prefix, l)); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that envconfig cannot. Lock ttls and acquire
// timeouts accept -1ns as Infinite.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres, BackendSQLite:
		if c.SQL.DSN == "" {
			return fmt.Errorf("config: %sDSN is required for the %s backend", Prefix, c.Backend)
		}
	default:
		return fmt.Errorf("config: %w: %q", warperrors.ErrUnknownBackend, c.Backend)
	}
	switch c.Bus {
	case BusNone, BusRedis, BusNATS, BusKafka:
	default:
		return fmt.Errorf("config: %w: %q", warperrors.ErrUnknownBus, c.Bus)
	}

	if c.Lock.TTL <= 0 && c.Lock.TTL != lock.Infinite {
		return fmt.Errorf("config: %sLOCK_TTL: %w", Prefix, warperrors.ErrInvalidTTL)
	}
	if c.Lock.AcquireTimeout <= 0 && c.Lock.AcquireTimeout != lock.Infinite {
		return fmt.Errorf("config: %sLOCK_ACQUIRE_TIMEOUT: %w", Prefix, warperrors.ErrInvalidTimeout)
	}
	if c.Lock.PollInterval <= 0 {
		return fmt.Errorf("config: %sLOCK_POLL_INTERVAL must be positive", Prefix)
	}

	if c.Throttle.MaxHits <= 0 {
		return fmt.Errorf("config: %sTHROTTLE_MAX_HITS: %w", Prefix, warperrors.ErrInvalidLimit)
	}
	if c.Throttle.Period <= 0 {
		return fmt.Errorf("config: %sTHROTTLE_PERIOD: %w", Prefix, warperrors.ErrInvalidTTL)
	}
	if c.Throttle.AcquireTimeout <= 0 && c.Throttle.AcquireTimeout != throttle.Infinite {
		return fmt.Errorf("config: %sTHROTTLE_ACQUIRE_TIMEOUT: %w", Prefix, warperrors.ErrInvalidTimeout)
	}
	if c.Throttle.PollInterval <= 0 {
		return fmt.Errorf("config: %sTHROTTLE_POLL_INTERVAL must be positive", Prefix)
	}
	if c.Throttle.CleanupInterval <= 0 {
		return fmt.Errorf("config: %sTHROTTLE_CLEANUP_INTERVAL must be positive", Prefix)
	}
	if c.Throttle.CleanupWindows <= 0 {
		return fmt.Errorf("config: %sTHROTTLE_CLEANUP_WINDOWS must be positive", Prefix)
	}
	return nil
}

// TestConfigDefaults returns a configuration populated with the default
// values. It should only be used for testing.
func TestConfigDefaults() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		SQL: SQLConfig{
			LockTable:     "resource_locks",
			ThrottleTable: "throttling_locks",
		},
		Lock: LockConfig{
			TTL:            20 * time.Minute,
			AcquireTimeout: 30 * time.Second,
			PollInterval:   100 * time.Millisecond,
		},
		Throttle: ThrottleConfig{
			MaxHits:         60,
			Period:          time.Minute,
			AcquireTimeout:  30 * time.Second,
			PollInterval:    100 * time.Millisecond,
			CleanupInterval: time.Minute,
			CleanupWindows:  2,
		},
		Backend:      BackendMemory,
		Bus:          BusNone,
		NATSURL:      "nats://127.0.0.1:4222",
		KafkaBrokers: []string{"127.0.0.1:9092"},
		KafkaTopic:   "warden-releases",
	}
}
