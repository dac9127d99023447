// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cells

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/prison/lib/acl"
	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/rules"
	"github.com/bureau-foundation/prison/lib/secret"
)

// probePrefix tags the throwaway accounts Init probes with.
const probePrefix = "acl"

// Filesystem confines the principal to its home. Principals join a
// deny group that Init strips of write access wherever an ordinary
// account could otherwise create files.
type Filesystem struct {
	Accounts   principal.Accounts
	ACL        acl.Manager
	Group      string
	ProbeRoots []string
	Logger     *slog.Logger
}

// Kind implements cell.Cell.
func (*Filesystem) Kind() rules.CellKind { return rules.Filesystem }

// Init implements cell.Cell. A throwaway account probes ProbeRoots for
// directories it can write to; the deny group then loses write access
// to each of them.
func (f *Filesystem) Init(ctx context.Context) (err error) {
	logger := orDiscard(f.Logger)

	username, err := principal.GenerateUsername(probePrefix)
	if err != nil {
		return err
	}
	password, err := secret.NewFromBytes(principal.GeneratePassword())
	if err != nil {
		return err
	}
	defer password.Close()

	if err := f.Accounts.CreateUser(ctx, username, password, "/nonexistent"); err != nil {
		return fmt.Errorf("creating probe account: %w", err)
	}
	defer func() {
		if deleteErr := f.Accounts.DeleteUser(ctx, username); deleteErr != nil {
			err = errors.Join(err, fmt.Errorf("deleting probe account %s: %w", username, deleteErr))
		}
	}()

	probe, err := credential(ctx, f.Accounts, username)
	if err != nil {
		return err
	}
	open, err := f.ACL.FindOpenDirectories(ctx, processCredential(probe), f.ProbeRoots)
	if err != nil {
		return err
	}
	logger.Info("filesystem probe finished", "open_directories", len(open))

	if err := f.Accounts.EnsureGroup(ctx, f.Group); err != nil {
		return fmt.Errorf("creating group %s: %w", f.Group, err)
	}
	return f.ACL.DenyGroupWrite(ctx, f.Group, open)
}

// Apply implements cell.Cell. The home is recreated empty, owned by
// the principal with a default ACL so everything below stays its own.
func (f *Filesystem) Apply(ctx context.Context, prison cell.Context) error {
	username := prison.Username()
	home := prison.Rules().HomePath

	if err := f.Accounts.AddToGroup(ctx, username, f.Group); err != nil {
		return fmt.Errorf("adding %s to %s: %w", username, f.Group, err)
	}
	owner, err := credential(ctx, f.Accounts, username)
	if err != nil {
		return err
	}
	if err := f.ACL.ResetHome(home, int(owner.UID), int(owner.GID)); err != nil {
		return err
	}
	return f.ACL.GrantOwner(ctx, home, username)
}

// Destroy implements cell.Cell. The home itself goes with the prison's
// profile.
func (f *Filesystem) Destroy(ctx context.Context, prison cell.Context) error {
	return f.Accounts.RemoveFromGroup(ctx, prison.Username(), f.Group)
}

// Recover implements cell.Cell.
func (*Filesystem) Recover(context.Context, cell.Context) error { return nil }

// List implements cell.Cell.
func (f *Filesystem) List(ctx context.Context) ([]cell.InstanceInfo, error) {
	members, err := f.Accounts.GroupMembers(ctx, f.Group)
	if err != nil {
		return nil, err
	}
	var instances []cell.InstanceInfo
	for _, member := range members {
		info := "orphaned"
		resolved, err := f.Accounts.Lookup(ctx, member)
		switch {
		case err == nil:
			info = resolved.Home
		case !errors.Is(err, principal.ErrUserNotFound):
			return nil, err
		}
		instances = append(instances, cell.InstanceInfo{Name: member, Info: info})
	}
	return instances, nil
}
