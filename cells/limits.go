// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/rules"
)

// CPU caps the group's CPU share.
type CPU struct{ cell.Base }

// Kind implements cell.Cell.
func (CPU) Kind() rules.CellKind { return rules.CPU }

// Apply implements cell.Cell.
func (CPU) Apply(_ context.Context, prison cell.Context) error {
	return setLimits(prison, limit{resgroup.LimitCPUPercent, prison.Rules().CPUPercentLimit})
}

// Memory caps the group's memory and live process count.
type Memory struct{ cell.Base }

// Kind implements cell.Cell.
func (Memory) Kind() rules.CellKind { return rules.Memory }

// Apply implements cell.Cell.
func (Memory) Apply(_ context.Context, prison cell.Context) error {
	spec := prison.Rules()
	return setLimits(prison,
		limit{resgroup.LimitMemoryBytes, spec.MemoryLimitBytes},
		limit{resgroup.LimitActiveProcesses, int64(spec.ActiveProcessLimit)},
	)
}

type limit struct {
	kind  resgroup.LimitKind
	value int64
}

// setLimits applies the non-zero limits to the prison's group.
func setLimits(prison cell.Context, limits ...limit) error {
	group := prison.Group()
	for _, l := range limits {
		if l.value == 0 {
			continue
		}
		if group == nil {
			return fmt.Errorf("prison %s has no resource group for its %s limit", prison.ID(), l.kind)
		}
		if err := group.SetLimit(l.kind, l.value); err != nil {
			return fmt.Errorf("setting %s limit on %s: %w", l.kind, group.Name(), err)
		}
	}
	return nil
}
