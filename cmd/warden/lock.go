package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

var (
	ttlFlag     = &cli.DurationFlag{Name: "ttl", Usage: "lease duration, -1ns for no expiration"}
	timeoutFlag = &cli.DurationFlag{Name: "timeout", Usage: "how long to wait for the lock, -1ns to wait forever"}
)

func acquireOptions(c *cli.Context) []lock.AcquireOption {
	var opts []lock.AcquireOption
	if c.IsSet("ttl") {
		opts = append(opts, lock.WithTTL(c.Duration("ttl")))
	}
	if c.IsSet("timeout") {
		opts = append(opts, lock.WithAcquireTimeout(c.Duration("timeout")))
	}
	return opts
}

func lockCommand() *cli.Command {
	return &cli.Command{
		Name:  "lock",
		Usage: "resource locks",
		Subcommands: []*cli.Command{
			{
				Name:      "acquire",
				Usage:     "acquire a lock and print its lock id",
				ArgsUsage: "RESOURCE",
				Flags:     []cli.Flag{ttlFlag, timeoutFlag},
				Action:    lockAcquire,
			},
			{
				Name:      "release",
				Usage:     "release a lock by lock id",
				ArgsUsage: "RESOURCE LOCK_ID",
				Action:    lockRelease,
			},
			{
				Name:      "renew",
				Usage:     "extend a lock by lock id",
				ArgsUsage: "RESOURCE LOCK_ID",
				Flags:     []cli.Flag{ttlFlag},
				Action:    lockRenew,
			},
			{
				Name:      "info",
				Usage:     "describe the lease on a resource",
				ArgsUsage: "RESOURCE",
				Action:    lockInfo,
			},
			{
				Name:      "list",
				Usage:     "list held locks",
				ArgsUsage: "[PREFIX]",
				Action:    lockList,
			},
			{
				Name:      "exec",
				Usage:     "run a command while holding a lock",
				ArgsUsage: "RESOURCE -- COMMAND [ARGS...]",
				Flags:     []cli.Flag{ttlFlag, timeoutFlag},
				Action:    lockExec,
			},
		},
	}
}

func lockAcquire(c *cli.Context) error {
	resource := c.Args().First()
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		h, err := st.Locks.Acquire(c.Context, resource, acquireOptions(c)...)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, h.LockID())
		return nil
	})
}

func resumeHandle(c *cli.Context, st *presets.Stack) (*lock.Handle, error) {
	if c.NArg() != 2 {
		return nil, fmt.Errorf("expected RESOURCE and LOCK_ID")
	}
	ttl := lock.DefaultTTL
	if c.IsSet("ttl") {
		ttl = c.Duration("ttl")
	}
	return st.Locks.Resume(c.Args().Get(0), c.Args().Get(1), ttl)
}

func lockRelease(c *cli.Context) error {
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		h, err := resumeHandle(c, st)
		if err != nil {
			return err
		}
		ok, err := h.Release(c.Context)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit("lock not held by "+h.LockID(), 1)
		}
		fmt.Fprintln(c.App.Writer, "released")
		return nil
	})
}

func lockRenew(c *cli.Context) error {
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		h, err := resumeHandle(c, st)
		if err != nil {
			return err
		}
		ok, err := h.Renew(c.Context)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit("lock not held by "+h.LockID(), 1)
		}
		fmt.Fprintln(c.App.Writer, "renewed")
		return nil
	})
}

func formatTTL(ttl *time.Duration) string {
	if ttl == nil {
		return "never expires"
	}
	return ttl.Round(time.Millisecond).String()
}

func lockInfo(c *cli.Context) error {
	resource := c.Args().First()
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		info, err := st.Locks.Info(c.Context, resource)
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Fprintf(c.App.Writer, "%s is free\n", resource)
			return nil
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", info.Resource, info.LockID, formatTTL(info.TimeToLive))
		return nil
	})
}

func lockList(c *cli.Context) error {
	return withStack(c, func(st *presets.Stack, _ *zap.Logger) error {
		in, ok := st.Locks.Storage().(lock.Inspector)
		if !ok {
			return fmt.Errorf("storage %T cannot list locks", st.Locks.Storage())
		}
		records, err := in.List(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		for _, r := range records {
			expires := "never"
			if r.ExpiresAt != nil {
				expires = r.ExpiresAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", r.Resource, r.LockID, expires)
		}
		return nil
	})
}

func lockExec(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("expected RESOURCE and COMMAND")
	}
	resource := c.Args().First()
	argv := c.Args().Tail()
	return withStack(c, func(st *presets.Stack, logger *zap.Logger) error {
		var runErr error
		acquired, err := st.Locks.TryUsingFunc(c.Context, resource, func() {
			cmd := exec.CommandContext(c.Context, argv[0], argv[1:]...)
			cmd.Stdin = os.Stdin
			cmd.Stdout = c.App.Writer
			cmd.Stderr = c.App.ErrWriter
			logger.Debug("running under lock", zap.String("resource", resource), zap.Strings("argv", argv))
			runErr = cmd.Run()
		}, acquireOptions(c)...)
		if err != nil {
			return err
		}
		if !acquired {
			return cli.Exit("timed out waiting for "+resource, 2)
		}
		return runErr
	})
}
