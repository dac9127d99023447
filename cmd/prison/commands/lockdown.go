// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/lib/rules"
)

// unlimitedRate is accepted by the rate flags to turn a throttle off.
const unlimitedRate = "unlimited"

// RuleFlags are the rule settings given on the command line. Empty
// strings and zero integers leave the value from --rules (or the
// default) in place.
type RuleFlags struct {
	RulesPath   string `flag:"rules" desc:"YAML file holding the rule set; other flags override it"`
	Cells       string `flag:"cells" desc:"comma-separated cells to enable, or all or none"`
	Memory      string `flag:"memory" desc:"memory limit for all processes together (e.g. 512M, 2G)"`
	CPU         string `flag:"cpu" desc:"CPU limit as a percentage of the machine (e.g. 25%)"`
	Processes   int    `flag:"processes" desc:"maximum number of live processes"`
	Priority    string `flag:"priority" desc:"scheduling class: idle, below-normal, normal, above-normal, high, realtime"`
	DiskQuota   string `flag:"disk-quota" desc:"block quota on the home volume, or none"`
	Home        string `flag:"home" desc:"directory the prison is confined to"`
	NetworkRate string `flag:"network-rate" desc:"outbound rate in bits per second (e.g. 8M), or unlimited"`
	PortRate    string `flag:"port-rate" desc:"outbound rate for traffic from --url-port, or unlimited"`
	URLPort     int    `flag:"url-port" desc:"TCP port the prison may listen on"`
}

type lockdownParams struct {
	ConfigParams
	RuleFlags
}

func lockdownCommand() *cli.Command {
	var params lockdownParams
	return &cli.Command{
		Name:    "lockdown",
		Summary: "Provision a prison's principal, group and cells",
		Usage:   "prison lockdown <prison-id> [flags]",
		Description: `Lock a prison down with a rule set. The rule set comes from --rules,
from the individual flags, or from both with the flags taking
precedence. Lockdown is all or nothing: when any step fails, every
step already taken is undone.`,
		Examples: []cli.Example{
			{
				Description: "Confine a prison to 512M of memory and a quarter of the CPU",
				Command:     "prison lockdown 0f8c... --home /srv/prisons/build --cells memory,cpu,filesystem --memory 512M --cpu 25%",
			},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("lockdown", &params) },
		Run: func(ctx context.Context, args []string) error {
			id, err := requireID("lockdown", args)
			if err != nil {
				return err
			}
			spec, err := buildSpec(params.RuleFlags, os.ReadFile)
			if err != nil {
				return err
			}

			environment, _, err := params.open(cli.NewCommandLogger())
			if err != nil {
				return err
			}
			defer environment.Close()

			// Attached, so Close releases the group handle lockdown opens.
			target, err := environment.LoadAndAttach(ctx, id)
			if err != nil {
				return err
			}
			if err := target.Lockdown(ctx, spec); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s locked down as %s\n", target.ID(), target.Username())
			return nil
		},
	}
}

// buildSpec assembles the rule set from an optional rules file and the
// flags that override it.
func buildSpec(flags RuleFlags, readFile func(string) ([]byte, error)) (rules.Specification, error) {
	spec := rules.Specification{DiskQuotaBytes: -1}
	if flags.RulesPath != "" {
		data, err := readFile(flags.RulesPath)
		if err != nil {
			return spec, fmt.Errorf("reading rules: %w", err)
		}
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("parsing rules %s: %w", flags.RulesPath, err)
		}
	}

	var err error
	if flags.Cells != "" {
		if spec.Cells, err = rules.ParseCellKinds(flags.Cells); err != nil {
			return spec, err
		}
	}
	if flags.Memory != "" {
		if spec.MemoryLimitBytes, err = rules.ParseMemoryLimit(flags.Memory); err != nil {
			return spec, fmt.Errorf("--memory: %w", err)
		}
	}
	if flags.CPU != "" {
		if spec.CPUPercentLimit, err = rules.ParseCPUPercent(flags.CPU); err != nil {
			return spec, fmt.Errorf("--cpu: %w", err)
		}
	}
	if flags.Processes != 0 {
		spec.ActiveProcessLimit = flags.Processes
	}
	if flags.Priority != "" {
		priority, err := rules.ParsePriorityClass(flags.Priority)
		if err != nil {
			return spec, fmt.Errorf("--priority: %w", err)
		}
		spec.Priority = &priority
	}
	switch flags.DiskQuota {
	case "":
	case "none":
		spec.DiskQuotaBytes = -1
	default:
		if spec.DiskQuotaBytes, err = rules.ParseMemoryLimit(flags.DiskQuota); err != nil {
			return spec, fmt.Errorf("--disk-quota: %w", err)
		}
	}
	if flags.Home != "" {
		home, err := filepath.Abs(flags.Home)
		if err != nil {
			return spec, fmt.Errorf("--home: %w", err)
		}
		spec.HomePath = home
	}
	if spec.NetworkOutboundBPS, err = parseRate(flags.NetworkRate, spec.NetworkOutboundBPS); err != nil {
		return spec, fmt.Errorf("--network-rate: %w", err)
	}
	if spec.AppPortOutboundBPS, err = parseRate(flags.PortRate, spec.AppPortOutboundBPS); err != nil {
		return spec, fmt.Errorf("--port-rate: %w", err)
	}
	if flags.URLPort != 0 {
		spec.URLPort = flags.URLPort
	}

	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

func parseRate(value string, current int64) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return current, nil
	case unlimitedRate:
		return -1, nil
	}
	return rules.ParseBitRate(value)
}
