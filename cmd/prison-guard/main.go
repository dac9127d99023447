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
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/prison/lib/guard"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/procfs"
	"github.com/bureau-foundation/prison/lib/process"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/version"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

type options struct {
	guardDirectory string
	groupDirectory string
	pollInterval   time.Duration
	showVersion    bool
	username       string
	memoryQuota    int64
}

func parseArgs(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("prison-guard", pflag.ContinueOnError)
	flags.StringVar(&opts.guardDirectory, "guard-dir", "/run/prison/guard", "directory for the discharge socket")
	flags.StringVar(&opts.groupDirectory, "group-dir", "/run/prison/groups", "directory holding pid-tracked groups")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 100*time.Millisecond, "how often to check the guard group")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return opts, err
	}
	if opts.showVersion {
		return opts, nil
	}

	positional := flags.Args()
	if len(positional) != 2 {
		return opts, errors.New("usage: prison-guard [flags] <username> <memory_quota_bytes>\n\n" +
			"This binary is started by the prison supervisor. It is not intended for direct use.")
	}
	opts.username = positional[0]
	if !principal.IsPrisonUsername(opts.username) {
		return opts, fmt.Errorf("%q is not a prison principal", opts.username)
	}
	quota, err := strconv.ParseInt(positional[1], 10, 64)
	if err != nil || quota < 0 {
		return opts, fmt.Errorf("invalid memory quota %q", positional[1])
	}
	opts.memoryQuota = quota
	if opts.pollInterval <= 0 {
		return opts, fmt.Errorf("--poll-interval must be positive, got %s", opts.pollInterval)
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("prison-guard %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(opts.guardDirectory, 0o755); err != nil {
		return err
	}

	watcher := &guard.Watcher{
		Username:    opts.username,
		MemoryQuota: opts.memoryQuota,
		Groups: &resgroup.TrackedManager{
			Directory: opts.groupDirectory,
			Proc:      procfs.Default,
			Logger:    logger,
		},
		Directory:    opts.guardDirectory,
		PollInterval: opts.pollInterval,
		Logger:       logger,
	}
	return watcher.Run(ctx, nil)
}
