package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jpoly/adapter"
	"github.com/pithecene-io/jpoly/adapter/redis"
	"github.com/pithecene-io/jpoly/adapter/webhook"
	"github.com/pithecene-io/jpoly/config"
	"github.com/pithecene-io/jpoly/host"
	"github.com/pithecene-io/jpoly/types"
)

const (
	exitSuccess        = 0
	exitBackendFailure = 1
	exitLaunchFailure  = 2
	exitMountFailure   = 3
)

// shutdownGrace bounds Shutdown after a signal.
const shutdownGrace = 10 * time.Second

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Mount artifacts, start the backend, and wait for it to exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to jpoly.yaml",
			},
			&cli.StringFlag{
				Name:  "java",
				Usage: "Backend command (overrides backend.command)",
			},
			&cli.StringFlag{
				Name:  "classpath",
				Usage: "Backend classes directory (overrides classes_dir)",
			},
			&cli.StringSliceFlag{
				Name:  "mount",
				Usage: "Locator to mount before start (repeatable)",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Backend mode: system",
			},
			&cli.StringFlag{
				Name:  "instance-id",
				Usage: "Instance id (default: random uuid)",
			},
			&cli.DurationFlag{
				Name:  "handshake-timeout",
				Usage: "Deadline for the backend to register",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitLaunchFailure)
	}
	if cfg.Mode == string(types.ModeInContext) {
		return cli.Exit("context mode needs an embedded processor and is not available from the CLI", exitLaunchFailure)
	}

	ad, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid adapter config: %v", err), exitLaunchFailure)
	}
	defer func() { _ = ad.Close() }()

	h, err := host.New(cfg, host.Deps{Adapter: ad})
	if err != nil {
		return cli.Exit(err.Error(), exitLaunchFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, loc := range cfg.Mounts {
		h.Mount(ctx, loc)
	}

	if _, err := h.Start(ctx).Await(ctx); err != nil {
		shutdown(h)
		return cli.Exit(fmt.Sprintf("start failed: %v", err), exitCodeFor(err))
	}

	code, err := h.Wait(ctx)
	if err != nil {
		// Interrupted
		shutdown(h)
		return cli.Exit("interrupted", exitBackendFailure)
	}
	shutdown(h)
	if code != 0 {
		return cli.Exit(fmt.Sprintf("backend exited with code %d", code), exitBackendFailure)
	}
	return cli.Exit("", exitSuccess)
}

func shutdown(h *host.Host) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
	}
}

// loadConfig reads --config (or defaults) and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return nil, err
	}

	if c.IsSet("java") {
		cfg.Backend.Command = c.String("java")
	}
	if c.IsSet("classpath") {
		cfg.ClassesDir = c.String("classpath")
	}
	if c.IsSet("mode") {
		cfg.Mode = c.String("mode")
	}
	if c.IsSet("instance-id") {
		cfg.InstanceID = c.String("instance-id")
	}
	if c.IsSet("handshake-timeout") {
		cfg.Handshake.Timeout.Duration = c.Duration("handshake-timeout")
	}
	cfg.Mounts = append(cfg.Mounts, c.StringSlice("mount")...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	retries := webhook.DefaultRetries
	if ac.Retries != nil {
		retries = *ac.Retries
	}
	switch ac.Type {
	case "":
		return adapter.Nop{}, nil
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		return redis.New(redis.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
			History: ac.History,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", ac.Type)
	}
}

// exitCodeFor maps a start failure to an exit code.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, types.ErrMountFetch), errors.Is(err, types.ErrUnrecognizedContent):
		return exitMountFailure
	case errors.Is(err, types.ErrBackendExecution):
		return exitBackendFailure
	default:
		return exitLaunchFailure
	}
}
