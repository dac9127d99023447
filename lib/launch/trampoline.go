// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// Hidden argv[1] values that turn the current binary into a helper.
const (
	launchMarker = "__prison_launch"
	helperMarker = "__prison_helper"
)

// ExecFailedCode is the exit status of a trampoline whose exec failed,
// matching the shell's "command not found" convention.
const ExecFailedCode = 127

var (
	helpersMu sync.Mutex
	helpers   = map[string]func(args []string) int{}
)

// Register adds a named helper that HelperCommand can run in a child
// copy of the current binary. Call it from an init function so the
// helper exists before Init runs.
func Register(name string, helper func(args []string) int) {
	helpersMu.Lock()
	defer helpersMu.Unlock()
	if _, exists := helpers[name]; exists {
		panic("launch: helper " + name + " registered twice")
	}
	helpers[name] = helper
}

// Init must be the first statement of main (and of TestMain in
// packages whose tests launch processes). In a trampoline or helper
// child it never returns; in every other process it does nothing.
func Init() {
	if len(os.Args) < 2 {
		return
	}
	switch os.Args[1] {
	case launchMarker:
		os.Exit(trampoline(os.Args[2:]))
	case helperMarker:
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "prison: helper name missing")
			os.Exit(2)
		}
		helpersMu.Lock()
		helper, found := helpers[os.Args[2]]
		helpersMu.Unlock()
		if !found {
			fmt.Fprintf(os.Stderr, "prison: unknown helper %q\n", os.Args[2])
			os.Exit(2)
		}
		os.Exit(helper(os.Args[3:]))
	}
}

// trampoline stops itself until the supervisor has placed it in its
// groups, then replaces itself with the target. Identity, session,
// working directory, environment and std handles were already set by
// the supervisor when it started this process.
func trampoline(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "prison: launch target missing")
		return ExecFailedCode
	}

	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		fmt.Fprintf(os.Stderr, "prison: suspending: %v\n", err)
		return ExecFailedCode
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "prison: %v\n", err)
		return ExecFailedCode
	}
	err = unix.Exec(path, args, os.Environ())
	fmt.Fprintf(os.Stderr, "prison: exec %s: %v\n", path, err)
	return ExecFailedCode
}

// HelperCommand returns a command that runs the registered helper name
// in a fresh copy of executable (the current binary when empty).
func HelperCommand(ctx context.Context, executable, name string, args ...string) (*exec.Cmd, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable: %w", err)
		}
		executable = self
	}
	argv := append([]string{helperMarker, name}, args...)
	return exec.CommandContext(ctx, executable, argv...), nil
}
