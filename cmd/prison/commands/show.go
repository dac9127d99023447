// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/lib/record"
	"github.com/bureau-foundation/prison/lib/resgroup"
)

type showParams struct {
	ConfigParams
	cli.JSONOutput
}

type showView struct {
	Record   record.Record      `json:"record"`
	Counters *resgroup.Counters `json:"counters,omitempty"`
}

func showCommand() *cli.Command {
	var params showParams
	return &cli.Command{
		Name:    "show",
		Summary: "Show a prison's rules and resource usage",
		Usage:   "prison show <prison-id> [--json]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("show", &params) },
		Run: func(ctx context.Context, args []string) error {
			id, err := requireID("show", args)
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
			view := showView{Record: target.Record()}
			if counters, err := target.Counters(); err == nil {
				view.Counters = &counters
			}
			if done, err := params.EmitJSON(view); done {
				return err
			}
			return writeShow(os.Stdout, view)
		},
	}
}

func writeShow(w io.Writer, view showView) error {
	saved := view.Record
	spec := saved.Rules
	table := cli.NewTable("Field", "Value")
	table.Add("id", saved.ID.String())
	table.Add("tag", saved.Tag)
	table.Add("username", saved.Username)
	table.Add("locked", strconv.FormatBool(saved.Locked))
	table.Add("created", saved.CreatedAt.Format("2006-01-02 15:04:05"))
	table.Add("desktop", saved.DesktopName)
	table.Add("cells", spec.Cells.String())
	table.Add("home", spec.HomePath)
	table.Add("memory limit", limit(spec.MemoryLimitBytes, "bytes"))
	table.Add("cpu limit", limit(spec.CPUPercentLimit, "%"))
	table.Add("process limit", limit(int64(spec.ActiveProcessLimit), "processes"))
	if spec.Priority != nil {
		table.Add("priority", spec.Priority.String())
	}
	if spec.DiskQuotaEnabled() {
		table.Add("disk quota", limit(spec.DiskQuotaBytes, "bytes"))
	}
	table.Add("network rate", rate(spec.NetworkOutboundBPS))
	if spec.URLPort != 0 {
		table.Add("url port", strconv.Itoa(spec.URLPort))
		table.Add("port rate", rate(spec.AppPortOutboundBPS))
	}
	if counters := view.Counters; counters != nil {
		table.Add("active processes", strconv.FormatInt(counters.ActiveProcesses, 10))
		table.Add("peak memory", fmt.Sprintf("%d bytes", counters.PeakMemoryBytes))
		table.Add("cpu time", counters.CPUUsage.String())
		table.Add("io read", fmt.Sprintf("%d bytes in %d ops", counters.IOReadBytes, counters.IOReadOps))
		table.Add("io write", fmt.Sprintf("%d bytes in %d ops", counters.IOWriteBytes, counters.IOWriteOps))
	}
	return table.Write(w)
}

func limit(value int64, unit string) string {
	if value == 0 {
		return "none"
	}
	return fmt.Sprintf("%d %s", value, unit)
}

func rate(bps int64) string {
	switch {
	case bps < 0:
		return unlimitedRate
	case bps == 0:
		return "default"
	}
	return fmt.Sprintf("%d bps", bps)
}
