// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/pflag"
	"github.com/vishvananda/netlink"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/cmd/prison/cli/doctor"
	"github.com/bureau-foundation/prison/lib/config"
	"github.com/bureau-foundation/prison/lib/executor"
	"github.com/bureau-foundation/prison/prison"
)

// hostTools are the programs the cells shell out to.
var hostTools = []string{
	"useradd", "userdel", "chpasswd", "groupadd", "gpasswd",
	"setquota", "quotaon", "repquota",
	"iptables", "setfacl", "tmux",
}

type doctorParams struct {
	ConfigParams
	cli.JSONOutput
	Fix    bool `flag:"fix" desc:"repair what can be repaired"`
	DryRun bool `flag:"dry-run" desc:"with --fix, show what would be repaired"`
}

func doctorCommand() *cli.Command {
	var params doctorParams
	return &cli.Command{
		Name:    "doctor",
		Summary: "Check that this machine can run prisons",
		Usage:   "prison doctor [--fix [--dry-run]] [--json]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("doctor", &params) },
		Run: func(ctx context.Context, args []string) error {
			if params.DryRun && !params.Fix {
				return fmt.Errorf("--dry-run requires --fix")
			}
			results := runChecks(&params.ConfigParams, exec.LookPath)

			var outcome doctor.Outcome
			if params.Fix {
				outcome = doctor.ExecuteFixes(ctx, results, params.DryRun, doctor.IsRoot())
			}
			if done, err := params.EmitJSON(doctor.BuildJSON(results, params.DryRun, outcome)); done {
				return err
			}
			return doctor.PrintChecklist(os.Stdout, results, params.Fix, params.DryRun, outcome)
		},
	}
}

func runChecks(params *ConfigParams, lookPath func(string) (string, error)) []doctor.Result {
	var results []doctor.Result

	if prison.CanSwitchUser() {
		results = append(results, doctor.Pass("privilege", "can switch to prison users"))
	} else {
		results = append(results, doctor.Warn("privilege",
			"cannot switch users; run needs root, CAP_SETUID and CAP_SETGID, or prison-executor"))
	}

	cfg, err := params.load()
	if err != nil {
		return append(results, doctor.Fail("configuration", err.Error()))
	}
	results = append(results, doctor.Pass("configuration", "valid"))
	results = append(results, checkGroups(cfg))
	results = append(results, checkPaths(cfg))

	for _, tool := range hostTools {
		name := "tool " + tool
		if path, err := lookPath(tool); err != nil {
			results = append(results, doctor.Fail(name, "not found in PATH"))
		} else {
			results = append(results, doctor.Pass(name, path))
		}
	}

	if path, err := cfg.BinaryPath(cfg.Guard.Binary); err != nil {
		results = append(results, doctor.Warn("guard", err.Error()+"; memory quota violations will not be reported"))
	} else {
		results = append(results, doctor.Pass("guard", path))
	}

	results = append(results, checkExecutor(cfg))
	results = append(results, checkInterface(cfg))
	return results
}

func checkGroups(cfg *config.Config) doctor.Result {
	const name = "resource groups"
	switch {
	case cfg.HasCgroupV2():
		return doctor.Pass(name, "cgroup v2 at "+cfg.Paths.CgroupRoot)
	case cfg.ResourceGroups.Backend == config.GroupsCgroup:
		return doctor.Fail(name, "backend is cgroup but no cgroup v2 hierarchy is mounted at "+cfg.Paths.CgroupRoot)
	default:
		return doctor.Warn(name, "no cgroup v2; using pid tracking, which cannot enforce CPU or memory limits")
	}
}

func checkPaths(cfg *config.Config) doctor.Result {
	const name = "state directories"
	for _, path := range []string{cfg.RecordDirectory(), cfg.GroupDirectory(), cfg.GuardDirectory(), cfg.StationDirectory()} {
		if _, err := os.Stat(path); err != nil {
			return doctor.FailElevated(name, path+" is missing", "create the state and run directories",
				func(context.Context) error { return cfg.EnsurePaths() })
		}
	}
	return doctor.Pass(name, cfg.Paths.State)
}

func checkExecutor(cfg *config.Config) doctor.Result {
	const name = "executor"
	if cfg.Executor.Socket == "" {
		return doctor.Skip(name, "no socket configured")
	}
	client := &executor.Client{SocketPath: cfg.Executor.Socket}
	if !client.Available() {
		return doctor.Warn(name, "no socket at "+cfg.Executor.Socket+"; is prison-executor running?")
	}
	return doctor.Pass(name, cfg.Executor.Socket)
}

func checkInterface(cfg *config.Config) doctor.Result {
	const name = "network interface"
	if cfg.Network.Interface == "" {
		return doctor.Skip(name, "network shaping disabled")
	}
	link, err := netlink.LinkByName(cfg.Network.Interface)
	if err != nil {
		return doctor.Fail(name, fmt.Sprintf("%s: %v", cfg.Network.Interface, err))
	}
	return doctor.Pass(name, fmt.Sprintf("%s (%s)", link.Attrs().Name, link.Attrs().OperState))
}
