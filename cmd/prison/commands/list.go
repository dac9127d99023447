// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/rules"
	"github.com/bureau-foundation/prison/lib/urlacl"
	"github.com/bureau-foundation/prison/prison"
)

type listParams struct {
	ConfigParams
	cli.JSONOutput
	All      bool `flag:"all,a" desc:"also list the OS state every cell owns"`
	Orphaned bool `flag:"orphaned,o" desc:"list only cell state no prison accounts for"`
}

type prisonSummary struct {
	ID          string `json:"id"`
	Tag         string `json:"tag,omitempty"`
	Username    string `json:"username,omitempty"`
	Locked      bool   `json:"locked"`
	Cells       string `json:"cells"`
	DesktopName string `json:"desktop_name,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type cellInstances struct {
	Kind      string              `json:"kind"`
	Instances []cell.InstanceInfo `json:"instances"`
}

type listResult struct {
	Prisons []prisonSummary `json:"prisons"`
	Cells   []cellInstances `json:"cells,omitempty"`
}

func listCommand() *cli.Command {
	var params listParams
	return &cli.Command{
		Name:    "list",
		Summary: "List prisons and the OS state their cells own",
		Usage:   "prison list [--all | --orphaned] [--json]",
		Examples: []cli.Example{
			{Description: "List prisons", Command: "prison list"},
			{Description: "Find state left behind by crashed prisons", Command: "prison list --orphaned"},
		},
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("list", &params) },
		Run: func(ctx context.Context, args []string) error {
			if params.All && params.Orphaned {
				return fmt.Errorf("--all and --orphaned are mutually exclusive")
			}
			environment, _, err := params.open(cli.NewCommandLogger())
			if err != nil {
				return err
			}
			defer environment.Close()

			result, listErr := collectList(ctx, environment, params.All, params.Orphaned)
			if listErr != nil && result.Prisons == nil && result.Cells == nil {
				return listErr
			}
			if done, err := params.EmitJSON(result); done {
				return errors.Join(err, listErr)
			}
			return errors.Join(writeList(os.Stdout, result, !params.Orphaned), listErr)
		},
	}
}

func collectList(ctx context.Context, environment *prison.Environment, all, orphaned bool) (listResult, error) {
	var result listResult
	prisons, err := environment.LoadAll()
	if err != nil {
		return result, err
	}
	for _, p := range prisons {
		result.Prisons = append(result.Prisons, summarize(p))
	}
	if !all && !orphaned {
		return result, nil
	}

	instances, listErr := environment.ListCellInstances(ctx)
	if orphaned {
		accounts, err := environment.Principals().Accounts.ListUsers(ctx)
		if err != nil {
			return result, fmt.Errorf("listing system users: %w", err)
		}
		live := liveState{users: make(map[string]bool), ports: make(map[int]bool)}
		for _, username := range accounts {
			live.users[username] = true
		}
		for _, p := range prisons {
			if port := p.Rules().URLPort; port != 0 && p.Locked() {
				live.ports[port] = true
			}
		}
		for kind, list := range instances {
			instances[kind] = live.orphans(list)
		}
	}
	for _, kind := range rules.Kinds {
		list, ok := instances[kind]
		if !ok {
			continue
		}
		result.Cells = append(result.Cells, cellInstances{Kind: kind.String(), Instances: list})
	}
	// Cells that failed to list are reported after the ones that did.
	return result, listErr
}

func summarize(p *prison.Prison) prisonSummary {
	return prisonSummary{
		ID:          p.ID().String(),
		Tag:         p.Tag(),
		Username:    p.Username(),
		Locked:      p.Locked(),
		Cells:       p.Rules().Cells.String(),
		DesktopName: p.DesktopName(),
		CreatedAt:   p.CreatedAt().Format("2006-01-02 15:04:05"),
	}
}

// liveState is what currently exists on the machine: prison accounts
// and the ports reserved by locked prisons.
type liveState struct {
	users map[string]bool
	ports map[int]bool
}

// orphans keeps the instances no live account or prison accounts for.
func (l liveState) orphans(instances []cell.InstanceInfo) []cell.InstanceInfo {
	var kept []cell.InstanceInfo
	for _, instance := range instances {
		if l.orphaned(instance) {
			kept = append(kept, instance)
		}
	}
	return kept
}

func (l liveState) orphaned(instance cell.InstanceInfo) bool {
	if instance.Name == urlacl.Orphaned || instance.Info == urlacl.Orphaned {
		return true
	}
	if !principal.IsPrisonUsername(instance.Name) {
		return false
	}
	if port, ok := portPolicy(instance.Name); ok {
		return !l.ports[port]
	}
	return !l.users[instance.Name]
}

// portPolicy recognizes the "prison_<port>" throttle policy names.
func portPolicy(name string) (int, bool) {
	suffix, found := strings.CutPrefix(name, principal.GlobalPrefix+principal.Separator)
	if !found {
		return 0, false
	}
	port, err := strconv.Atoi(suffix)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func writeList(w io.Writer, result listResult, showPrisons bool) error {
	if showPrisons {
		table := cli.NewTable("ID", "Tag", "Username", "Locked", "Cells", "Created")
		for _, summary := range result.Prisons {
			table.Add(summary.ID, summary.Tag, summary.Username,
				strconv.FormatBool(summary.Locked), summary.Cells, summary.CreatedAt)
		}
		if err := table.Write(w); err != nil {
			return err
		}
	}
	for _, group := range result.Cells {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		table := cli.NewTable(group.Kind, "Info")
		for _, instance := range group.Instances {
			table.Add(instance.Name, instance.Info)
		}
		if err := table.Write(w); err != nil {
			return err
		}
	}
	return nil
}

type listUsersParams struct {
	ConfigParams
	cli.JSONOutput
	Filter string `flag:"filter,f" desc:"only list users whose prefix equals this tag"`
}

func listUsersCommand() *cli.Command {
	var params listUsersParams
	return &cli.Command{
		Name:    "list-users",
		Summary: "List prison accounts that have a stored credential",
		Usage:   "prison list-users [--filter <prefix>] [--json]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("list-users", &params) },
		Run: func(ctx context.Context, args []string) error {
			if err := principal.ValidatePrefix(params.Filter); err != nil {
				return err
			}
			environment, _, err := params.open(cli.NewCommandLogger())
			if err != nil {
				return err
			}
			defer environment.Close()

			listings, err := environment.Principals().List(ctx, params.Filter)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(listings); done {
				return err
			}
			table := cli.NewTable("Full Username", "Prefix")
			for _, listing := range listings {
				table.Add(listing.Username, listing.Prefix)
			}
			return table.Write(os.Stdout)
		},
	}
}
