// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/prison/lib/config"
	"github.com/bureau-foundation/prison/lib/executor"
	"github.com/bureau-foundation/prison/lib/launch"
	"github.com/bureau-foundation/prison/lib/process"
	"github.com/bureau-foundation/prison/lib/version"
	"github.com/bureau-foundation/prison/prison"
)

func main() {
	launch.Init()
	process.Exit(run(os.Args[1:]))
}

type options struct {
	configPath  string
	socketPath  string
	socketMode  uint32
	showVersion bool
}

func parseArgs(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("prison-executor", pflag.ContinueOnError)
	flags.StringVar(&opts.configPath, "config", "", "path to prison.yaml (default: $PRISON_CONFIG)")
	flags.StringVar(&opts.socketPath, "socket", "", "socket to listen on (default: executor.socket from the configuration)")
	flags.Uint32Var(&opts.socketMode, "socket-mode", 0o660, "permissions of the socket; whoever can connect can launch into any prison")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	if opts.socketMode&^0o777 != 0 {
		return opts, fmt.Errorf("--socket-mode %#o is not a permission mode", opts.socketMode)
	}
	if flags.NArg() != 0 {
		return opts, fmt.Errorf("unexpected arguments: %q", flags.Args())
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.socketPath != "" {
		cfg.Executor.Socket = opts.socketPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Executor.Socket == "" {
		return nil, errors.New("no executor socket configured")
	}
	return cfg, nil
}

// limiter bounds the request rate. A non-positive rate disables the
// bound.
func limiter(cfg *config.Config) *rate.Limiter {
	if cfg.Executor.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Executor.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Executor.RequestsPerSecond), burst)
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("prison-executor %s\n", version.Info())
		return nil
	}
	if !prison.CanSwitchUser() {
		return errors.New("prison-executor must run as root or with CAP_SETUID and CAP_SETGID")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The relay itself must launch locally, never through another relay.
	socketPath := cfg.Executor.Socket
	cfg.Executor.Socket = ""
	environment, err := prison.NewEnvironment(cfg, logger)
	if err != nil {
		return err
	}
	defer environment.Close()

	server := &executor.Server{
		SocketPath: socketPath,
		Mode:       os.FileMode(opts.socketMode),
		Backend:    environment,
		Limiter:    limiter(cfg),
		Logger:     logger,
	}
	logger.Info("prison-executor starting", "socket", socketPath, "version", version.Info())
	return server.Serve(ctx, nil)
}
