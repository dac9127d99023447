// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/bureau-foundation/prison/lib/hostcmd"
)

// Manager is the filesystem ACL backend the filesystem cell drives.
type Manager interface {
	// ResetHome removes path, recreates it empty, and gives it to the
	// uid/gid.
	ResetHome(path string, uid, gid int) error

	// GrantOwner gives username full access to path and everything
	// created below it.
	GrantOwner(ctx context.Context, path, username string) error

	// DenyGroupWrite restricts group to read and traverse on each
	// directory.
	DenyGroupWrite(ctx context.Context, group string, directories []string) error

	// FindOpenDirectories probes roots as credential.
	FindOpenDirectories(ctx context.Context, credential *syscall.Credential, roots []string) ([]string, error)
}

// Tools implements Manager with setfacl.
type Tools struct {
	Runner hostcmd.Runner

	// Executable hosts the probe helper. Empty means the current
	// binary.
	Executable string

	Logger *slog.Logger
}

func (t *Tools) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger
}

// ResetHome implements Manager.
func (t *Tools) ResetHome(path string, uid, gid int) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chowning %s: %w", path, err)
	}
	return nil
}

// GrantOwner implements Manager.
func (t *Tools) GrantOwner(ctx context.Context, path, username string) error {
	entry := "u:" + username + ":rwx"
	_, err := t.Runner.Run(ctx, hostcmd.Command{
		Name: "setfacl",
		Args: []string{"-R", "-m", entry + ",d:" + entry, path},
	})
	if err != nil {
		return fmt.Errorf("granting %s on %s: %w", username, path, err)
	}
	return nil
}

// DenyGroupWrite implements Manager. A directory that disappeared
// since the probe is skipped.
func (t *Tools) DenyGroupWrite(ctx context.Context, group string, directories []string) error {
	entry := "g:" + group + ":r-x"
	var errs []error
	for _, directory := range directories {
		_, err := t.Runner.Run(ctx, hostcmd.Command{
			Name: "setfacl",
			Args: []string{"-m", entry, directory},
		})
		if err == nil {
			continue
		}
		if hostcmd.StderrContains(err, "No such file or directory") {
			t.logger().Debug("open directory vanished before deny", "directory", directory)
			continue
		}
		errs = append(errs, fmt.Errorf("denying %s on %s: %w", group, directory, err))
	}
	return errors.Join(errs...)
}

// FindOpenDirectories implements Manager.
func (t *Tools) FindOpenDirectories(ctx context.Context, credential *syscall.Credential, roots []string) ([]string, error) {
	return FindOpenDirectories(ctx, t.Executable, credential, roots)
}
