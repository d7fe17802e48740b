package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/presets"
	"github.com/mirkobrombin/go-warden/v1/throttle"
)

func throttleCommand() *cli.Command {
	return &cli.Command{
		Name:  "throttle",
		Usage: "fixed-window throttling locks",
		Subcommands: []*cli.Command{
			{
				Name:      "hit",
				Usage:     "take a slot in the current window, waiting for one if needed",
				ArgsUsage: "RESOURCE",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Usage: "how long to wait for a slot"},
				},
				Action: throttleHit,
			},
			{
				Name:      "count",
				Usage:     "print the hits of the current window",
				ArgsUsage: "RESOURCE",
				Action:    throttleCount,
			},
			{
				Name:   "flush",
				Usage:  "remove every throttling window",
				Action: throttleFlush,
			},
		},
	}
}

func throttleHit(c *cli.Context) error {
	resource := c.Args().First()
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		var opts []throttle.AcquireOption
		if c.IsSet("timeout") {
			opts = append(opts, throttle.WithAcquireTimeout(c.Duration("timeout")))
		}
		ok, err := st.Throttles.TryAcquire(c.Context, resource, opts...)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit("throttled: "+resource, 2)
		}
		left, err := st.Throttles.Remaining(c.Context, resource)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "ok, %d left\n", left)
		return nil
	})
}

func throttleCount(c *cli.Context) error {
	resource := c.Args().First()
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		n, err := st.Throttles.HitCount(c.Context, resource)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, n)
		return nil
	})
}

func throttleFlush(c *cli.Context) error {
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		if err := st.Throttles.Storage().FlushAll(c.Context); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "flushed")
		return nil
	})
}
