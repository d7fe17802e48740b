package presets

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-warden/v1/config"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Stack bundles the providers built from one configuration and the
// connections they share.
type Stack struct {
	Locks     *lock.Provider
	Throttles *throttle.Provider

	closers []func() error
}

// Close releases the connections opened for the stack.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type options struct {
	logger *zap.Logger
	reg    prometheus.Registerer
	tp     trace.TracerProvider
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger handed to the providers and storages.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer enables Prometheus metrics on both providers.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithTracerProvider enables OpenTelemetry spans on both providers.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tp = tp
	}
}

// New builds the lock and throttling providers described by cfg. The
// caller must Close the returned stack.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Stack, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	st := &Stack{}
	lockStorage, throttleStorage, err := st.storages(ctx, cfg, o)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	bus, err := st.bus(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	lockOpts := []lock.ProviderOption{
		lock.WithDefaultTTL(cfg.Lock.TTL),
		lock.WithDefaultAcquireTimeout(cfg.Lock.AcquireTimeout),
		lock.WithPollInterval(cfg.Lock.PollInterval),
		lock.WithLogger(o.logger),
		lock.WithTracerProvider(o.tp),
	}
	throttleOpts := []throttle.ProviderOption{
		throttle.WithDefaultAcquireTimeout(cfg.Throttle.AcquireTimeout),
		throttle.WithPollInterval(cfg.Throttle.PollInterval),
		throttle.WithLogger(o.logger),
		throttle.WithTracerProvider(o.tp),
	}
	if bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(bus))
	}
	if o.reg != nil {
		lockOpts = append(lockOpts, lock.WithMetrics(o.reg))
		throttleOpts = append(throttleOpts, throttle.WithMetrics(o.reg))
	}

	st.Locks = lock.NewProvider(lockStorage, lockOpts...)
	st.Throttles, err = throttle.NewProvider(throttleStorage, cfg.Throttle.MaxHits, cfg.Throttle.Period, throttleOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func (st *Stack) storages(ctx context.Context, cfg *config.Config, o options) (lock.Storage, throttle.Storage, error) {
	throttleOpts := []throttle.Option{
		throttle.WithCleanupInterval(cfg.Throttle.CleanupInterval),
		throttle.WithCleanupWindows(cfg.Throttle.CleanupWindows),
		throttle.WithCleanupLogger(o.logger),
	}

	switch cfg.Backend {
	case config.BackendMemory:
		return lock.NewInMemory(), throttle.NewInMemory(throttleOpts...), nil

	case config.BackendRedis:
		client, err := st.redisClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		var lockRedisOpts []lock.RedisOption
		if cfg.KeyPrefix != "" {
			lockRedisOpts = append(lockRedisOpts, lock.WithKeyPrefix(cfg.KeyPrefix+"lock:"))
			throttleOpts = append(throttleOpts, throttle.WithKeyPrefix(cfg.KeyPrefix+"throttle:"))
		}
		ls := lock.NewRedis(client, lockRedisOpts...)
		ts := throttle.NewRedis(client, throttleOpts...)
		if err := ls.Load(ctx); err != nil {
			return nil, nil, fmt.Errorf("load lock scripts: %w", err)
		}
		if err := ts.Load(ctx); err != nil {
			return nil, nil, fmt.Errorf("load throttle scripts: %w", err)
		}
		return ls, ts, nil

	case config.BackendPostgres, config.BackendSQLite:
		db, err := st.openDB(cfg)
		if err != nil {
			return nil, nil, err
		}
		ls, err := lock.NewGorm(db, lock.WithGormTableName(cfg.SQL.LockTable))
		if err != nil {
			return nil, nil, err
		}
		throttleOpts = append(throttleOpts, throttle.WithTableName(cfg.SQL.ThrottleTable))
		ts, err := throttle.NewGorm(db, throttleOpts...)
		if err != nil {
			return nil, nil, err
		}
		return ls, ts, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", warperrors.ErrUnknownBackend, cfg.Backend)
}

func (st *Stack) redisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	st.closers = append(st.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (st *Stack) openDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if cfg.Backend == config.BackendPostgres {
		dialector = postgres.Open(cfg.SQL.DSN)
	} else {
		dialector = sqlite.Open(cfg.SQL.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Backend == config.BackendSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}
	st.closers = append(st.closers, sqlDB.Close)
	return db, nil
}

func (st *Stack) bus(ctx context.Context, cfg *config.Config) (syncbus.Bus, error) {
	switch cfg.Bus {
	case config.BusRedis:
		client, err := st.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return syncbus.NewRedisBus(client, ""), nil
	case config.BusNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		st.closers = append(st.closers, func() error {
			conn.Close()
			return nil
		})
		return syncbus.NewNATSBus(conn, ""), nil
	case config.BusKafka:
		bus, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to kafka: %w", err)
		}
		st.closers = append(st.closers, bus.Close)
		return bus, nil
	case config.BusNone, "":
		if cfg.Backend == config.BackendMemory {
			return syncbus.NewInMemoryBus(), nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", warperrors.ErrUnknownBus, cfg.Bus)
}

// NewInMemoryStandalone returns providers that run entirely in memory with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *Stack {
	st, err := New(context.Background(), config.TestConfigDefaults())
	if err != nil {
		// the in-memory configuration has nothing that can fail
		panic(err)
	}
	return st
}

// NewRedis returns providers sharing one Redis server for storage and
// release notifications.
func NewRedis(ctx context.Context, opts RedisOptions, options ...Option) (*Stack, error) {
	cfg := config.TestConfigDefaults()
	cfg.Backend = config.BackendRedis
	cfg.Bus = config.BusRedis
	cfg.Redis = config.RedisConfig{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	return New(ctx, cfg, options...)
}
