// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/rules"
)

// WebGroup makes the principal a member of the web server group.
type WebGroup struct {
	Accounts principal.Accounts
	Group    string
}

// Kind implements cell.Cell.
func (*WebGroup) Kind() rules.CellKind { return rules.WebGroup }

// Init implements cell.Cell.
func (w *WebGroup) Init(ctx context.Context) error {
	return w.Accounts.EnsureGroup(ctx, w.Group)
}

// Apply implements cell.Cell.
func (w *WebGroup) Apply(ctx context.Context, prison cell.Context) error {
	return w.Accounts.AddToGroup(ctx, prison.Username(), w.Group)
}

// Destroy implements cell.Cell.
func (w *WebGroup) Destroy(ctx context.Context, prison cell.Context) error {
	return w.Accounts.RemoveFromGroup(ctx, prison.Username(), w.Group)
}

// Recover implements cell.Cell.
func (*WebGroup) Recover(context.Context, cell.Context) error { return nil }

// List implements cell.Cell.
func (w *WebGroup) List(ctx context.Context) ([]cell.InstanceInfo, error) {
	members, err := w.Accounts.GroupMembers(ctx, w.Group)
	if err != nil {
		return nil, err
	}
	var instances []cell.InstanceInfo
	for _, member := range members {
		if principal.IsPrisonUsername(member) {
			instances = append(instances, cell.InstanceInfo{Name: member, Info: "member of " + w.Group})
		}
	}
	return instances, nil
}
