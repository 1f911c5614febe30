package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/containers/containrs/internal/ffi"
	"github.com/containers/containrs/internal/lib"
	"github.com/containers/containrs/internal/signals"
	"github.com/containers/containrs/pkg/config"
	"github.com/containers/containrs/version"
)

func main() {
	app := &cli.App{
		Name:    "containrs",
		Usage:   "pod sandbox and container runtime core",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Usage:     "path to the TOML configuration file",
				Value:     "/etc/containrs/containrs.toml",
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level, overrides the configuration file",
			},
			&cli.StringFlag{
				Name:  "log-filter",
				Usage: "log message filter regex, overrides the configuration file",
			},
		},
		Action: run,
		Commands: []*cli.Command{{
			Name:  "config",
			Usage: "print the default configuration as TOML",
			Action: func(c *cli.Context) error {
				return config.DefaultConfig().ToFile("/dev/stdout")
			},
		}},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if err := ffi.InitLogging(cfg.LogLevel, cfg.LogFilter); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	server, err := lib.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create container server: %w", err)
	}

	logrus.Infof("Started containrs %s", version.Version)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, signals.Interrupt, signals.Term)
	s := <-sig
	logrus.Infof("Received signal %q, shutting down", s)

	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown container server: %w", err)
	}

	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()

	path := c.String("config")
	if _, err := os.Stat(path); err == nil {
		if err := cfg.UpdateFromFile(path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) || c.IsSet("config") {
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}

	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-filter") {
		cfg.LogFilter = c.String("log-filter")
	}

	if err := cfg.Validate(false); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	return cfg, nil
}
