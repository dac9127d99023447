// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/lib/principal"
)

type createParams struct {
	ConfigParams
	cli.JSONOutput
	Tag string `flag:"tag,t" desc:"short lowercase tag embedded in the principal's username"`
}

func createCommand() *cli.Command {
	var params createParams
	return &cli.Command{
		Name:    "create",
		Summary: "Create a new, unlocked prison",
		Usage:   "prison create [--tag <tag>]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("create", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := principal.ValidatePrefix(params.Tag); err != nil {
				return err
			}
			environment, _, err := params.open(cli.NewCommandLogger())
			if err != nil {
				return err
			}
			defer environment.Close()

			created, err := environment.New(ctx, params.Tag)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(summarize(created)); done {
				return err
			}
			fmt.Fprintln(os.Stdout, created.ID())
			return nil
		},
	}
}
