package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/config"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "warden",
		Usage: "inspect and drive warden resource locks and throttles",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Aliases: []string{"b"}, Usage: "storage backend (memory, redis, postgres, sqlite)"},
			&cli.StringFlag{Name: "redis-addr", Usage: "Redis address"},
			&cli.StringFlag{Name: "dsn", Usage: "Postgres DSN or SQLite file"},
			&cli.StringFlag{Name: "bus", Usage: "release notifications (none, redis, nats, kafka)"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"D"}, Usage: "development logging"},
		},
		Commands: []*cli.Command{
			lockCommand(),
			throttleCommand(),
		},
	}
}

// loadConfig reads the environment and applies the global flags on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.Context)
	if err != nil {
		return nil, err
	}
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}
	if c.IsSet("redis-addr") {
		cfg.Redis.Addr = c.String("redis-addr")
	}
	if c.IsSet("dsn") {
		cfg.SQL.DSN = c.String("dsn")
	}
	if c.IsSet("bus") {
		cfg.Bus = c.String("bus")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// withStack builds the providers for one command and tears them down after.
func withStack(c *cli.Context, fn func(st *presets.Stack, logger *zap.Logger) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := presets.New(c.Context, cfg, presets.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing backend connections", zap.Error(err))
		}
	}()
	return fn(st, logger)
}
