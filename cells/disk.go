// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/quota"
	"github.com/bureau-foundation/prison/lib/rules"
)

// Disk limits the blocks the principal may own on the home volume.
type Disk struct {
	Quota  quota.Manager
	Logger *slog.Logger
}

// Kind implements cell.Cell.
func (*Disk) Kind() rules.CellKind { return rules.Disk }

// Init implements cell.Cell.
func (d *Disk) Init(ctx context.Context) error {
	return d.Quota.Initialize(ctx)
}

// Apply implements cell.Cell. Every quota volume first gets an
// explicit unlimited entry, then the home volume gets the real limit.
func (d *Disk) Apply(ctx context.Context, prison cell.Context) error {
	spec := prison.Rules()
	if !spec.DiskQuotaEnabled() {
		return nil
	}
	username := prison.Username()

	volumes, err := d.Quota.Volumes()
	if err != nil {
		return err
	}
	for _, volume := range volumes {
		if err := d.Quota.SetLimit(ctx, username, volume, 0); err != nil {
			return err
		}
	}

	home, err := d.Quota.VolumeOf(spec.HomePath)
	if err != nil {
		return fmt.Errorf("disk quota for %s: %w", username, err)
	}
	if err := d.Quota.SetLimit(ctx, username, home, spec.DiskQuotaBytes); err != nil {
		return err
	}
	orDiscard(d.Logger).Info("disk quota set",
		"username", username,
		"mount_point", home.MountPoint,
		"limit_bytes", spec.DiskQuotaBytes,
	)
	return nil
}

// Destroy implements cell.Cell.
func (d *Disk) Destroy(ctx context.Context, prison cell.Context) error {
	return d.Quota.Clear(ctx, prison.Username())
}

// Recover implements cell.Cell. Quotas live in the filesystem.
func (*Disk) Recover(context.Context, cell.Context) error { return nil }

// List implements cell.Cell.
func (d *Disk) List(ctx context.Context) ([]cell.InstanceInfo, error) {
	usage, err := d.Quota.Report(ctx)
	if err != nil {
		return nil, err
	}
	var instances []cell.InstanceInfo
	for _, row := range usage {
		if !principal.IsPrisonUsername(row.Username) {
			continue
		}
		instances = append(instances, cell.InstanceInfo{
			Name: row.Username,
			Info: fmt.Sprintf("%d / %d bytes", row.UsedBytes, row.LimitBytes),
		})
	}
	return instances, nil
}
