// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cell defines the contract every restriction cell implements
// and the narrow view of a prison that cells are given.
package cell

import (
	"context"

	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/rules"
)

// Context is what a cell sees of the prison it acts on. Cells never
// hold on to it past the call they received it in.
type Context interface {
	ID() uuid.UUID
	Username() string
	Rules() rules.Specification

	// Group is the prison's resource group, or nil when the prison has
	// none (reattach without a principal).
	Group() resgroup.Group

	DesktopName() string
	SetDesktopName(name string)
}

// InstanceInfo describes one piece of OS state a cell owns, as shown
// by "prison list".
type InstanceInfo struct {
	Name string
	Info string
}

// Cell is one composable restriction. Cells are stateless: everything
// they need comes from the Context, and everything they create is
// found again from the principal's name.
type Cell interface {
	Kind() rules.CellKind

	// Apply creates the cell's OS state for the prison.
	Apply(ctx context.Context, prison Context) error

	// Destroy removes the cell's OS state. Missing state is not an
	// error.
	Destroy(ctx context.Context, prison Context) error

	// Recover rebuilds in-process handles after a reattach. It never
	// changes durable state.
	Recover(ctx context.Context, prison Context) error

	// List enumerates the cell's instances machine-wide.
	List(ctx context.Context) ([]InstanceInfo, error)

	// Init performs one-time machine setup for the cell.
	Init(ctx context.Context) error
}

// Base supplies no-op Destroy, Recover, List and Init for cells that
// have nothing to do there.
type Base struct{}

// Destroy implements Cell.
func (Base) Destroy(context.Context, Context) error { return nil }

// Recover implements Cell.
func (Base) Recover(context.Context, Context) error { return nil }

// List implements Cell.
func (Base) List(context.Context) ([]InstanceInfo, error) { return nil, nil }

// Init implements Cell.
func (Base) Init(context.Context) error { return nil }
