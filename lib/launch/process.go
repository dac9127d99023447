// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is a launched process's position in the suspended-launch
// lifecycle.
type State int

const (
	// StateCreated: the process exists and is stopped before exec.
	StateCreated State = iota
	// StateTagged: every tag function has accepted the pid.
	StateTagged
	// StateRunning: the process has been resumed.
	StateRunning
	// StateExited: the process has been reaped.
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateTagged:
		return "tagged"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNotTagged is returned by Resume unless the process is tagged.
var ErrNotTagged = errors.New("process is not in the tagged state")

// Process tracks one launched process: its pid, its lifecycle state and
// its exit status.
type Process struct {
	pid    int
	resume func() error
	kill   func() error

	mu       sync.Mutex
	state    State
	exitCode int
	done     chan struct{}
}

func newProcess(pid int, resume, kill func() error) *Process {
	return &Process{
		pid:    pid,
		resume: resume,
		kill:   kill,
		done:   make(chan struct{}),
	}
}

// Remote returns a Process for a child supervised elsewhere (the
// executor relay). It starts in StateTagged. The caller reports the
// exit status through the returned finish function.
func Remote(pid int, resume, kill func() error) (*Process, func(exitCode int)) {
	process := newProcess(pid, resume, kill)
	process.state = StateTagged
	return process, process.finish
}

// Pid returns the process id.
func (p *Process) Pid() int { return p.pid }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(from, to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return fmt.Errorf("pid %d is %s, want %s", p.pid, p.state, from)
	}
	p.state = to
	return nil
}

// Resume lets a tagged process continue into its target.
func (p *Process) Resume() error {
	p.mu.Lock()
	if p.state != StateTagged {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("resuming pid %d (%s): %w", p.pid, state, ErrNotTagged)
	}
	p.mu.Unlock()

	if err := p.resume(); err != nil {
		return fmt.Errorf("resuming pid %d: %w", p.pid, err)
	}
	// The process may already have been reaped by the time we get
	// here; only move forward from tagged.
	p.setState(StateTagged, StateRunning)
	return nil
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	if p.HasExited() {
		return nil
	}
	return p.kill()
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// HasExited reports whether the process has exited.
func (p *Process) HasExited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status once the process has exited. A
// process killed by a signal reports 128 plus the signal number.
func (p *Process) ExitCode() (int, bool) {
	if !p.HasExited() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		code, _ := p.ExitCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Process) finish(exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateExited {
		return
	}
	p.state = StateExited
	p.exitCode = exitCode
	close(p.done)
}
