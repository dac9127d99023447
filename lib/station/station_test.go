// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package station

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/testutil"
)

func self() Owner {
	return Owner{UID: os.Getuid(), GID: os.Getgid()}
}

func TestOpenMissingStation(t *testing.T) {
	for _, stderr := range []string{
		"no server running on /run/prison/stations/prison_abc.sock",
		"error connecting to /run/prison/stations/prison_abc.sock (No such file or directory)",
	} {
		recorder := &hostcmd.Recorder{}
		recorder.Fail("tmux", 1, stderr)
		manager := &Manager{Directory: t.TempDir(), Runner: recorder}
		if _, err := manager.Open(context.Background(), "prison_abc"); !errors.Is(err, ErrStationNotFound) {
			t.Errorf("Open with %q = %v, want ErrStationNotFound", stderr, err)
		}
	}
}

func TestCreateStartsOnlyWhenNotFound(t *testing.T) {
	directory := t.TempDir()
	recorder := &hostcmd.Recorder{}
	recorder.Fail("tmux -S", 1, "no server running on "+directory)
	recorder.RespondFunc("tmux -f", func(hostcmd.Command) (hostcmd.Result, error) {
		return hostcmd.Result{}, os.WriteFile(filepath.Join(directory, "prison_abc.sock"), nil, 0o600)
	})
	manager := &Manager{Directory: directory, Runner: recorder}

	station, err := manager.Create(context.Background(), "prison_abc", self())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := "tmux -f /dev/null -S " + filepath.Join(directory, "prison_abc.sock") + " new-session -d -s Default sleep infinity"
	if started := recorder.Matching("tmux -f"); !slices.Equal(started, []string{want}) {
		t.Errorf("server starts = %q, want %q", started, want)
	}
	if got := station.DesktopName(DefaultDesktop); got != `prison_abc\Default` {
		t.Errorf("DesktopName = %q", got)
	}
}

func TestCreateReusesRunningStation(t *testing.T) {
	directory := t.TempDir()
	os.WriteFile(filepath.Join(directory, "prison_abc.sock"), nil, 0o600)
	recorder := &hostcmd.Recorder{}
	recorder.Respond("tmux -S", "Default\n", nil)
	manager := &Manager{Directory: directory, Runner: recorder}

	if _, err := manager.Create(context.Background(), "prison_abc", self()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if started := recorder.Matching("tmux -f"); len(started) != 0 {
		t.Errorf("running station restarted: %q", started)
	}
}

func TestOpenFailureOtherThanNotFoundIsFatal(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Fail("tmux -S", 1, "open terminal failed: not a terminal")
	manager := &Manager{Directory: t.TempDir(), Runner: recorder}
	_, err := manager.Create(context.Background(), "prison_abc", self())
	if err == nil || errors.Is(err, ErrStationNotFound) {
		t.Fatalf("Create = %v, want a fatal error", err)
	}
	if started := recorder.Matching("tmux -f"); len(started) != 0 {
		t.Errorf("station started after a fatal open failure: %q", started)
	}
}

func TestUseRestores(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	manager := &Manager{Directory: t.TempDir(), Runner: recorder}
	outer := manager.Handle("prison_outer")
	inner := manager.Handle("prison_inner")

	original := Use(outer)
	defer Use(original)

	func() {
		previous := Use(inner)
		defer Use(previous)
		if Current() != inner {
			t.Fatal("Use did not switch the current station")
		}
	}()
	if Current() != outer {
		t.Error("outer station not restored")
	}
}

func TestEnsureDesktop(t *testing.T) {
	previous := Use(nil)
	defer Use(previous)
	if _, err := EnsureDesktop(context.Background(), "Work"); !errors.Is(err, ErrNoStation) {
		t.Errorf("EnsureDesktop without a station = %v", err)
	}

	recorder := &hostcmd.Recorder{}
	recorder.Fail("tmux -S", 1, "can't find session: Work")
	manager := &Manager{Directory: "/run/prison/stations", Runner: recorder}
	Use(manager.Handle("prison_abc"))

	name, err := EnsureDesktop(context.Background(), "Work")
	if err != nil {
		t.Fatalf("EnsureDesktop: %v", err)
	}
	if name != `prison_abc\Work` {
		t.Errorf("name = %q", name)
	}
	if created := recorder.Matching("tmux -f /dev/null -S /run/prison/stations/prison_abc.sock new-session -d -s Work"); len(created) != 1 {
		t.Errorf("commands = %q", recorder.Lines())
	}
}

func TestListFindsSockets(t *testing.T) {
	directory := testutil.SocketDir(t)
	for _, name := range []string{"prison_b", "prison_a"} {
		listener, err := net.Listen("unix", filepath.Join(directory, name+".sock"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { listener.Close() })
	}
	os.WriteFile(filepath.Join(directory, "stray.sock"), nil, 0o600)

	stations, err := (&Manager{Directory: directory}).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, station := range stations {
		names = append(names, station.Name())
	}
	if !slices.Equal(names, []string{"prison_a", "prison_b"}) {
		t.Errorf("List = %q", names)
	}
}

func TestRealStationLifecycle(t *testing.T) {
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
	ctx := context.Background()
	manager := &Manager{Directory: testutil.SocketDir(t), Runner: hostcmd.Exec{}}

	if _, err := manager.Open(ctx, "prison_real"); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("Open before Create = %v", err)
	}
	station, err := manager.Create(ctx, "prison_real", self())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { station.Kill(ctx) })

	if _, err := manager.Open(ctx, "prison_real"); err != nil {
		t.Fatalf("Open after Create: %v", err)
	}
	sessions, err := station.Sessions(ctx)
	if err != nil || !slices.Equal(sessions, []string{DefaultDesktop}) {
		t.Fatalf("Sessions = %q, %v", sessions, err)
	}

	if err := station.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := station.Kill(ctx); err != nil {
		t.Errorf("second Kill: %v", err)
	}
	if _, err := manager.Open(ctx, "prison_real"); !errors.Is(err, ErrStationNotFound) {
		t.Errorf("Open after Kill = %v", err)
	}
}
