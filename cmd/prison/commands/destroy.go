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

type destroyParams struct {
	ConfigParams
}

func destroyCommand() *cli.Command {
	var params destroyParams
	return &cli.Command{
		Name:    "destroy",
		Summary: "Kill a prison's processes and remove everything it owns",
		Usage:   "prison destroy <prison-id>",
		Description: `Destroy a prison: tear down its cells, kill its processes, delete its
principal and profile, clear its disk quota and remove its record.
Every step is attempted even when an earlier one fails.`,
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("destroy", &params) },
		Run: func(ctx context.Context, args []string) error {
			id, err := requireID("destroy", args)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger()
			environment, _, err := params.open(logger)
			if err != nil {
				return err
			}
			defer environment.Close()

			target, err := environment.Load(id)
			if err != nil {
				return err
			}
			// A cell that cannot recover must not keep the rest from
			// being torn down.
			if err := target.Reattach(ctx); err != nil {
				logger.Warn("reattach failed; destroying what remains", "prison_id", id, "error", err)
			}
			if err := target.Destroy(ctx); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s destroyed\n", id)
			return nil
		},
	}
}
