// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spec describes the program to launch and the identity it runs under.
type Spec struct {
	// Filename is the program to run. Names without a slash are looked
	// up on the PATH of Env.
	Filename string

	// Args are the arguments after argv[0]. argv[0] is Filename.
	Args []string

	// Dir is the working directory. Empty inherits the supervisor's.
	Dir string

	// Env is the complete environment of the new process.
	Env []string

	// Stdin, Stdout and Stderr become descriptors 0, 1 and 2. Nil
	// entries are connected to /dev/null.
	Stdin, Stdout, Stderr *os.File

	// Credential switches the process to another user before the
	// trampoline runs. Nil keeps the supervisor's identity.
	Credential *syscall.Credential
}

// TagFunc places a suspended process into a group. Start runs every
// tag function before the process can execute a single instruction of
// its target.
type TagFunc func(pid int) error

// Launcher starts processes through the suspended-launch trampoline.
type Launcher struct {
	// Executable is the binary that hosts the trampoline. Empty means
	// the current executable; that binary must call [Init] first thing
	// in main.
	Executable string

	Logger *slog.Logger
}

// Start launches spec suspended, applies every tag function, and
// returns the process in StateTagged. Resume lets it run. If a tag
// function fails the process is killed and reaped before Start
// returns, so nothing untagged ever executes the target.
func (l *Launcher) Start(ctx context.Context, spec Spec, tag TagFunc, more ...TagFunc) (*Process, error) {
	if spec.Filename == "" {
		return nil, errors.New("launch: empty filename")
	}
	if tag == nil {
		return nil, errors.New("launch: a tag function is required")
	}

	executable := l.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable: %w", err)
		}
		executable = self
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	defer devNull.Close()
	files := []*os.File{devNull, devNull, devNull}
	for index, file := range []*os.File{spec.Stdin, spec.Stdout, spec.Stderr} {
		if file != nil {
			files[index] = file
		}
	}

	argv := append([]string{executable, launchMarker, spec.Filename}, spec.Args...)
	osProcess, err := os.StartProcess(executable, argv, &os.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Credential: spec.Credential,
			Setsid:     true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Filename, err)
	}
	// The reaper below owns the pid from here on.
	pid := osProcess.Pid
	osProcess.Release()

	process := newProcess(pid,
		func() error { return unix.Kill(pid, unix.SIGCONT) },
		func() error { return ignoreESRCH(unix.Kill(pid, unix.SIGKILL)) },
	)
	stopped := make(chan struct{})
	go reap(pid, process, stopped)

	select {
	case <-stopped:
	case <-process.Done():
		code, _ := process.ExitCode()
		return nil, fmt.Errorf("launch trampoline for %s exited with status %d before suspending", spec.Filename, code)
	case <-ctx.Done():
		process.kill()
		<-process.Done()
		return nil, ctx.Err()
	}

	for _, fn := range append([]TagFunc{tag}, more...) {
		if err := fn(pid); err != nil {
			process.kill()
			// A stopped process still dies on SIGKILL; wait so no
			// zombie outlives the failure.
			<-process.Done()
			return nil, fmt.Errorf("tagging pid %d: %w", pid, err)
		}
	}
	if err := process.setState(StateCreated, StateTagged); err != nil {
		return nil, err
	}

	if l.Logger != nil {
		l.Logger.Debug("process launched suspended",
			"pid", pid,
			"filename", spec.Filename,
		)
	}
	return process, nil
}

// reap waits on pid until it exits. The first stop is reported on
// stopped; later job-control stops of the target are ignored.
func reap(pid int, process *Process, stopped chan<- struct{}) {
	reportedStop := false
	for {
		var status unix.WaitStatus
		_, err := unix.Wait4(pid, &status, unix.WUNTRACED, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: somebody else reaped it. The status is lost.
			process.finish(-1)
			return
		}
		switch {
		case status.Stopped():
			if !reportedStop {
				reportedStop = true
				close(stopped)
			}
		case status.Exited():
			process.finish(status.ExitStatus())
			return
		case status.Signaled():
			process.finish(128 + int(status.Signal()))
			return
		}
	}
}

func ignoreESRCH(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
