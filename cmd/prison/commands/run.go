// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/prison"
)

type runParams struct {
	ConfigParams
	Dir string   `flag:"dir" desc:"working directory (default: the prison's home path)"`
	Env []string `flag:"env,e" desc:"extra environment variable as NAME=value (repeatable)"`
}

func runCommand() *cli.Command {
	var params runParams
	return &cli.Command{
		Name:    "run",
		Summary: "Run a program inside a locked-down prison",
		Usage:   "prison run <prison-id> [--dir <dir>] [--env NAME=value]... -- <program> [args...]",
		Description: `Run a program as the prison's principal and wait for it. The exit
status of the program becomes the exit status of this command.
Interrupting this command kills the program.

Without root or CAP_SETUID and CAP_SETGID, the launch is relayed
through prison-executor.`,
		Examples: []cli.Example{
			{Description: "Open a shell in a prison", Command: "prison run 0f8c... -- /bin/sh -l"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("run", &params) },
		Run: func(ctx context.Context, args []string) error {
			id, err := requireID("run", args)
			if err != nil {
				return err
			}
			if len(args) < 2 {
				return fmt.Errorf("usage: prison run <prison-id> -- <program> [args...]")
			}
			variables, err := parseEnv(params.Env)
			if err != nil {
				return err
			}

			environment, _, err := params.open(cli.NewCommandLogger())
			if err != nil {
				return err
			}
			defer environment.Close()

			target, err := environment.LoadAndAttach(ctx, id)
			if err != nil {
				return err
			}
			process, err := target.Execute(ctx, runOptions(args[1:], params.Dir, variables))
			if err != nil {
				return err
			}

			code, err := process.Wait(ctx)
			if errors.Is(err, context.Canceled) {
				process.Kill()
				code, err = process.Wait(context.Background())
			}
			if err != nil {
				return err
			}
			if code != 0 {
				return &cli.ExitError{Code: code}
			}
			return nil
		},
	}
}

// runOptions builds the launch for command, the program followed by
// its arguments. ExecuteOptions.Args excludes the program itself.
func runOptions(command []string, dir string, variables map[string]string) prison.ExecuteOptions {
	return prison.ExecuteOptions{
		Filename: command[0],
		Args:     command[1:],
		Dir:      dir,
		Env:      variables,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

// parseEnv splits NAME=value pairs. Later entries for a name win.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	variables := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("--env %q: expected NAME=value", pair)
		}
		variables[name] = value
	}
	return variables, nil
}
