// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/retry"
	"github.com/bureau-foundation/prison/lib/service"
)

// SpawnFunc starts a guard watcher for username in the background.
type SpawnFunc func(ctx context.Context, username string, memoryQuota int64) error

// Controller is the supervisor's side of the guard: it starts watchers
// on demand, adds processes to guard groups, and discharges watchers
// when a prison is destroyed.
type Controller struct {
	// Binary is the prison-guard executable the default spawner runs.
	Binary string

	// Directory holds discharge sockets and watcher logs.
	Directory string

	Groups *resgroup.TrackedManager
	Clock  clock.Clock

	// PollInterval is passed to spawned watchers.
	PollInterval time.Duration

	// StartPolicy bounds the wait for a freshly spawned watcher's
	// socket.
	StartPolicy retry.Policy

	// Spawn overrides how watchers are started. Nil runs Binary.
	Spawn SpawnFunc

	Logger *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

func (c *Controller) client(username string) *service.Client {
	return service.NewClient(SocketPath(c.Directory, username))
}

// Ping returns the watcher's status without counters, or an error when
// no watcher answers.
func (c *Controller) Ping(ctx context.Context, username string) (Status, error) {
	var status Status
	err := c.client(username).Call(ctx, "ping", nil, &status)
	return status, err
}

// Status returns the watcher's live counters.
func (c *Controller) Status(ctx context.Context, username string) (Status, error) {
	var status Status
	err := c.client(username).Call(ctx, "status", nil, &status)
	return status, err
}

// EnsureRunning starts a watcher for username unless one already
// answers, then waits for it under StartPolicy.
func (c *Controller) EnsureRunning(ctx context.Context, username string, memoryQuota int64) error {
	if _, err := c.Ping(ctx, username); err == nil {
		return nil
	}

	spawn := c.Spawn
	if spawn == nil {
		spawn = c.spawnBinary
	}
	if err := spawn(ctx, username, memoryQuota); err != nil {
		return fmt.Errorf("starting guard for %s: %w", username, err)
	}

	source := c.Clock
	if source == nil {
		source = clock.Real()
	}
	err := retry.Do(ctx, source, c.StartPolicy, func() (bool, error, error) {
		_, err := c.Ping(ctx, username)
		return err == nil, err, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for guard of %s: %w", username, err)
	}
	c.logger().Info("guard started", "username", username)
	return nil
}

// AddProcess places pid in the principal's guard group. The watcher
// must be running; its handle keeps the group alive after this call's
// handle closes.
func (c *Controller) AddProcess(username string, pid int) error {
	group, err := c.Groups.OpenTracked(GroupName(username))
	if err != nil {
		return err
	}
	addErr := group.AddProcess(pid)
	return errors.Join(addErr, group.Close())
}

// Discharge tells the principal's watcher to exit. A watcher that is
// not running is not an error.
func (c *Controller) Discharge(ctx context.Context, username string) error {
	err := c.client(username).Call(ctx, "discharge", nil, nil)
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return nil
	}
	return err
}

func (c *Controller) spawnBinary(ctx context.Context, username string, memoryQuota int64) error {
	if err := os.MkdirAll(c.Directory, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(c.Directory, username+".log"),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()

	// Not CommandContext: the watcher outlives this call and, usually,
	// this process.
	args := []string{
		"--guard-dir", c.Directory,
		"--group-dir", c.Groups.Directory,
	}
	if c.PollInterval > 0 {
		args = append(args, "--poll-interval", c.PollInterval.String())
	}
	args = append(args, username, strconv.FormatInt(memoryQuota, 10))
	cmd := exec.Command(c.Binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
