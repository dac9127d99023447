// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/lib/version"
)

// Root returns the top-level "prison" command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "prison",
		Summary: "Run untrusted programs in per-user sandboxes",
		Description: `Run untrusted programs in per-user sandboxes.

A prison is a dedicated system account plus a resource group, confined
by the cells its rules enable: CPU and memory caps, a disk quota,
filesystem deny ACLs, an exclusive listening port, outbound throttles,
a private terminal station, and web group membership.`,
		Subcommands: []*cli.Command{
			listCommand(),
			listUsersCommand(),
			createCommand(),
			lockdownCommand(),
			runCommand(),
			showCommand(),
			destroyCommand(),
			initCommand(),
			doctorCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(context.Context, []string) error {
			return printVersion(os.Stdout)
		},
	}
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "prison %s\n", version.Info())
	return err
}
