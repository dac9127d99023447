// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cell

import (
	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/rules"
)

// StaticContext is a Context backed by plain fields. Tests and the
// "prison list" tooling use it where no Prison exists.
type StaticContext struct {
	PrisonID       uuid.UUID
	User           string
	Specification  rules.Specification
	ResourceGroup  resgroup.Group
	CurrentDesktop string
}

// ID implements Context.
func (c *StaticContext) ID() uuid.UUID { return c.PrisonID }

// Username implements Context.
func (c *StaticContext) Username() string { return c.User }

// Rules implements Context.
func (c *StaticContext) Rules() rules.Specification { return c.Specification }

// Group implements Context.
func (c *StaticContext) Group() resgroup.Group { return c.ResourceGroup }

// DesktopName implements Context.
func (c *StaticContext) DesktopName() string { return c.CurrentDesktop }

// SetDesktopName implements Context.
func (c *StaticContext) SetDesktopName(name string) { c.CurrentDesktop = name }
