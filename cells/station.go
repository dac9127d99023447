// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/rules"
	"github.com/bureau-foundation/prison/lib/station"
)

// Station gives the principal a station named after it with a Default
// desktop. The prison applies it lazily, on the first execute.
type Station struct {
	Accounts principal.Accounts
	Stations *station.Manager
	Logger   *slog.Logger
}

// Kind implements cell.Cell.
func (*Station) Kind() rules.CellKind { return rules.Station }

// Init implements cell.Cell.
func (*Station) Init(context.Context) error { return nil }

// Apply implements cell.Cell. The station is current only for the
// duration of the call.
func (s *Station) Apply(ctx context.Context, prison cell.Context) error {
	username := prison.Username()
	owner, err := credential(ctx, s.Accounts, username)
	if err != nil {
		return err
	}
	opened, err := s.Stations.Create(ctx, username, station.Owner{UID: int(owner.UID), GID: int(owner.GID)})
	if err != nil {
		return err
	}

	previous := station.Use(opened)
	defer station.Use(previous)

	desktop, err := station.EnsureDesktop(ctx, station.DefaultDesktop)
	if err != nil {
		return err
	}
	prison.SetDesktopName(desktop)
	return nil
}

// Destroy implements cell.Cell.
func (s *Station) Destroy(ctx context.Context, prison cell.Context) error {
	return s.Stations.Handle(prison.Username()).Kill(ctx)
}

// Recover implements cell.Cell. A prison that never executed has no
// station yet; that is not an error.
func (s *Station) Recover(ctx context.Context, prison cell.Context) error {
	if prison.DesktopName() == "" {
		return nil
	}
	_, err := s.Stations.Open(ctx, prison.Username())
	if errors.Is(err, station.ErrStationNotFound) {
		orDiscard(s.Logger).Warn("station of reattached prison is not running",
			"prison_id", prison.ID(),
			"desktop", prison.DesktopName(),
		)
		return nil
	}
	return err
}

// List implements cell.Cell.
func (s *Station) List(ctx context.Context) ([]cell.InstanceInfo, error) {
	stations, err := s.Stations.List()
	if err != nil {
		return nil, err
	}
	instances := make([]cell.InstanceInfo, 0, len(stations))
	for _, handle := range stations {
		info := "not running"
		sessions, err := handle.Sessions(ctx)
		switch {
		case err == nil:
			info = strings.Join(sessions, ", ")
		case !errors.Is(err, station.ErrStationNotFound):
			return nil, err
		}
		instances = append(instances, cell.InstanceInfo{Name: handle.Name(), Info: info})
	}
	return instances, nil
}
