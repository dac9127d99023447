// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"strconv"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/rules"
	"github.com/bureau-foundation/prison/lib/urlacl"
)

// Firewall reserves the rules' URL port for the principal.
type Firewall struct {
	Accounts     principal.Accounts
	Reservations urlacl.Manager
}

// Kind implements cell.Cell.
func (*Firewall) Kind() rules.CellKind { return rules.Firewall }

// Init implements cell.Cell.
func (f *Firewall) Init(ctx context.Context) error {
	return f.Reservations.Init(ctx)
}

// Apply implements cell.Cell.
func (f *Firewall) Apply(ctx context.Context, prison cell.Context) error {
	port := prison.Rules().URLPort
	if port == 0 {
		return nil
	}
	owner, err := credential(ctx, f.Accounts, prison.Username())
	if err != nil {
		return err
	}
	return f.Reservations.Reserve(ctx, port, owner.UID)
}

// Destroy implements cell.Cell.
func (f *Firewall) Destroy(ctx context.Context, prison cell.Context) error {
	port := prison.Rules().URLPort
	if port == 0 {
		return nil
	}
	return f.Reservations.Release(ctx, port)
}

// Recover implements cell.Cell.
func (*Firewall) Recover(context.Context, cell.Context) error { return nil }

// List implements cell.Cell.
func (f *Firewall) List(ctx context.Context) ([]cell.InstanceInfo, error) {
	reservations, err := f.Reservations.List(ctx)
	if err != nil {
		return nil, err
	}
	instances := make([]cell.InstanceInfo, 0, len(reservations))
	for _, reservation := range reservations {
		instances = append(instances, cell.InstanceInfo{
			Name: reservation.Owner,
			Info: "port " + strconv.Itoa(reservation.Port),
		})
	}
	return instances, nil
}
