// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/procfs"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/retry"
	"github.com/bureau-foundation/prison/lib/testutil"
)

const pollInterval = 100 * time.Millisecond

type harness struct {
	clock      *clock.FakeClock
	groups     *resgroup.TrackedManager
	controller *Controller
	spawned    int
	watchers   chan error
	running    sync.WaitGroup
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		groups:   &resgroup.TrackedManager{Directory: t.TempDir(), Proc: procfs.Default},
		watchers: make(chan error, 4),
	}
	directory := testutil.SocketDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		h.running.Wait()
	})

	h.controller = &Controller{
		Directory:   directory,
		Groups:      h.groups,
		Clock:       h.clock,
		StartPolicy: retry.Policy{Attempts: 50, Delay: pollInterval},
		Spawn: func(_ context.Context, username string, memoryQuota int64) error {
			h.spawned++
			watcher := &Watcher{
				Username:     username,
				MemoryQuota:  memoryQuota,
				Groups:       h.groups,
				Directory:    directory,
				PollInterval: pollInterval,
				Clock:        h.clock,
			}
			ready := make(chan struct{})
			h.running.Add(1)
			go func() {
				defer h.running.Done()
				h.watchers <- watcher.Run(ctx, ready)
			}()
			testutil.RequireClosed(t, ready, 5*time.Second, "waiting for watcher socket")
			return nil
		},
	}
	return h
}

func startSleep(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

func waitExit(t *testing.T, cmd *exec.Cmd) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	testutil.RequireReceive(t, done, 5*time.Second, "waiting for pid %d to be killed", cmd.Process.Pid)
}

func TestEnsureRunningSpawnsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.EnsureRunning(ctx, "prison_abc1234", 0); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := h.controller.EnsureRunning(ctx, "prison_abc1234", 0); err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if h.spawned != 1 {
		t.Errorf("spawned %d watchers, want 1", h.spawned)
	}

	status, err := h.controller.Ping(ctx, "prison_abc1234")
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if status.Group != "prison_abc1234-guard" {
		t.Errorf("group = %q, want prison_abc1234-guard", status.Group)
	}
	if !h.groups.Exists("prison_abc1234-guard") {
		t.Error("guard group does not exist while the watcher runs")
	}
}

func TestDischargeKillsGuardedProcesses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	username := "prison_def5678"

	if err := h.controller.EnsureRunning(ctx, username, 0); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	sleeper := startSleep(t)
	if err := h.controller.AddProcess(username, sleeper.Process.Pid); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}

	status, err := h.controller.Status(ctx, username)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Counters.ActiveProcesses != 1 {
		t.Errorf("active processes = %d, want 1", status.Counters.ActiveProcesses)
	}

	if err := h.controller.Discharge(ctx, username); err != nil {
		t.Fatalf("Discharge: %v", err)
	}
	if err := testutil.RequireReceive(t, h.watchers, 5*time.Second, "waiting for watcher exit"); err != nil {
		t.Errorf("watcher Run: %v", err)
	}
	waitExit(t, sleeper)

	if h.groups.Exists(GroupName(username)) {
		t.Error("guard group survived discharge")
	}
	if _, err := os.Stat(SocketPath(h.controller.Directory, username)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("discharge socket still present (stat = %v)", err)
	}
}

func TestDischargeWithoutWatcher(t *testing.T) {
	h := newHarness(t)
	if err := h.controller.Discharge(context.Background(), "prison_nobody1"); err != nil {
		t.Errorf("Discharge with no watcher = %v, want nil", err)
	}
}

func TestWatcherEnforcesMemoryQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	username := "prison_mem0001"

	// One byte: any live process is over quota.
	if err := h.controller.EnsureRunning(ctx, username, 1); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	sleeper := startSleep(t)
	if err := h.controller.AddProcess(username, sleeper.Process.Pid); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}

	h.clock.WaitForTimers(1)
	h.clock.Advance(pollInterval)
	waitExit(t, sleeper)

	// The watcher keeps running after enforcing, and its status
	// counts the violation while the poll loop keeps ticking.
	if _, err := h.controller.Ping(ctx, username); err != nil {
		t.Errorf("Ping after enforcement: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := h.controller.Status(ctx, username)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Violations >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status reports %d violations after enforcement, want at least 1", status.Violations)
		}
		h.clock.Advance(pollInterval)
		time.Sleep(10 * time.Millisecond)
	}
	h.controller.Discharge(ctx, username)
	testutil.RequireReceive(t, h.watchers, 5*time.Second, "waiting for watcher exit")
}

func TestEnsureRunningTimesOut(t *testing.T) {
	h := newHarness(t)
	h.controller.StartPolicy = retry.Policy{Attempts: 3, Delay: pollInterval}
	h.controller.Spawn = func(context.Context, string, int64) error { return nil }

	result := make(chan error, 1)
	go func() {
		result <- h.controller.EnsureRunning(context.Background(), "prison_dead001", 0)
	}()
	for range 2 {
		h.clock.WaitForTimers(1)
		h.clock.Advance(pollInterval)
	}
	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for EnsureRunning")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("EnsureRunning = %v, want ErrExhausted", err)
	}
}
