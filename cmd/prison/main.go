// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/prison/cmd/prison/commands"
	"github.com/bureau-foundation/prison/lib/launch"
	"github.com/bureau-foundation/prison/lib/process"
)

func main() {
	launch.Init()
	process.Exit(run())
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return commands.Root().Execute(ctx, os.Args[1:])
}
