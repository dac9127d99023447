// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
)

type initParams struct {
	ConfigParams
}

func initCommand() *cli.Command {
	var params initParams
	return &cli.Command{
		Name:    "init",
		Summary: "Prepare the machine for prisons",
		Usage:   "prison init",
		Description: `Run every cell's one-time machine setup: create the prison groups,
turn quotas on, install the firewall and traffic shaping roots, and
deny prisons write access to the directories found writable by
unprivileged users. Requires root.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("init", &params) },
		Run: func(ctx context.Context, args []string) error {
			environment, _, err := params.open(cli.NewCommandLogger())
			if err != nil {
				return err
			}
			defer environment.Close()

			if err := environment.Init(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "machine initialized")
			return nil
		},
	}
}
