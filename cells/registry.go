// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"syscall"

	"github.com/bureau-foundation/prison/lib/acl"
	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/netshape"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/quota"
	"github.com/bureau-foundation/prison/lib/rules"
	"github.com/bureau-foundation/prison/lib/station"
	"github.com/bureau-foundation/prison/lib/urlacl"
)

// Dependencies are the OS backends the cells drive.
type Dependencies struct {
	Accounts principal.Accounts
	Quota    quota.Manager
	ACL      acl.Manager
	URLACL   urlacl.Manager
	Stations *station.Manager

	// Shaper is nil when no egress interface is configured; the network
	// cell then applies nothing.
	Shaper *netshape.Shaper

	// DefaultRateBPS replaces a zero outbound rate in the rules.
	DefaultRateBPS int64

	// FilesystemGroup is the deny group every confined principal joins.
	FilesystemGroup string

	// ProbeRoots are the trees the filesystem cell's Init probes.
	ProbeRoots []string

	// WebGroup is the group the web group cell adds principals to.
	WebGroup string

	Logger *slog.Logger
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

// Registry is the ordered table of cells.
type Registry struct {
	cells []cell.Cell
}

// NewRegistry builds one cell per kind from dependencies.
func NewRegistry(dependencies Dependencies) *Registry {
	logger := orDiscard(dependencies.Logger)
	return NewRegistryOf(
		CPU{},
		&Disk{Quota: dependencies.Quota, Logger: logger.With("cell", rules.Disk.String())},
		&Filesystem{
			Accounts:   dependencies.Accounts,
			ACL:        dependencies.ACL,
			Group:      dependencies.FilesystemGroup,
			ProbeRoots: dependencies.ProbeRoots,
			Logger:     logger.With("cell", rules.Filesystem.String()),
		},
		&Firewall{Accounts: dependencies.Accounts, Reservations: dependencies.URLACL},
		Memory{},
		&Network{
			Accounts:       dependencies.Accounts,
			Shaper:         dependencies.Shaper,
			DefaultRateBPS: dependencies.DefaultRateBPS,
			Logger:         logger.With("cell", rules.Network.String()),
		},
		&Station{
			Accounts: dependencies.Accounts,
			Stations: dependencies.Stations,
			Logger:   logger.With("cell", rules.Station.String()),
		},
		&WebGroup{Accounts: dependencies.Accounts, Group: dependencies.WebGroup},
	)
}

// NewRegistryOf builds a registry from explicit cells, sorted into
// registry order. It panics if two cells share a kind or a cell's kind
// is not a registered kind.
func NewRegistryOf(cells ...cell.Cell) *Registry {
	sorted := slices.Clone(cells)
	slices.SortFunc(sorted, func(a, b cell.Cell) int {
		return order(a.Kind()) - order(b.Kind())
	})
	for index, c := range sorted {
		if order(c.Kind()) < 0 {
			panic(fmt.Sprintf("cells: %s is not a registered kind", c.Kind()))
		}
		if index > 0 && sorted[index-1].Kind() == c.Kind() {
			panic(fmt.Sprintf("cells: duplicate cell for %s", c.Kind()))
		}
	}
	return &Registry{cells: sorted}
}

func order(kind rules.CellKind) int {
	return slices.Index(rules.Kinds, kind)
}

// All returns every registered cell in order.
func (r *Registry) All() []cell.Cell {
	return slices.Clone(r.cells)
}

// Enabled returns the cells mask enables, in order.
func (r *Registry) Enabled(mask rules.CellKind) []cell.Cell {
	var enabled []cell.Cell
	for _, c := range r.cells {
		if mask.Enabled(c.Kind()) {
			enabled = append(enabled, c)
		}
	}
	return enabled
}

// Get returns the cell for kind.
func (r *Registry) Get(kind rules.CellKind) (cell.Cell, bool) {
	for _, c := range r.cells {
		if c.Kind() == kind {
			return c, true
		}
	}
	return nil, false
}

// credential resolves username for cells that need its uid.
func credential(ctx context.Context, accounts principal.Accounts, username string) (principal.Credential, error) {
	resolved, err := accounts.Lookup(ctx, username)
	if err != nil {
		return principal.Credential{}, fmt.Errorf("resolving %s: %w", username, err)
	}
	return resolved, nil
}

func processCredential(resolved principal.Credential) *syscall.Credential {
	return &syscall.Credential{Uid: resolved.UID, Gid: resolved.GID, Groups: resolved.Groups}
}
