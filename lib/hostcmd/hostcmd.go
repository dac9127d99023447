// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostcmd runs the host administration tools the prison
// backends drive: useradd, setquota, setfacl, iptables and friends.
//
// Every backend takes a [Runner] rather than calling os/exec directly,
// so tests substitute a [Recorder] and assert on the exact command
// lines a cell issues. A non-zero exit becomes an [*ExitError] that
// carries the command line, the exit status and the trimmed stderr,
// which is what callers match on for expected-absence conditions
// ("user does not exist", "no server running").
package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Command is one invocation of a host tool.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
}

// String renders the command line with arguments space-separated.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the captured output of a successful command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes host commands.
type Runner interface {
	Run(ctx context.Context, command Command) (Result, error)
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d (%s)", e.Command, e.Code, e.Stderr)
}

// ExitCode extracts the exit status from an error returned by a
// Runner. ok is false when err is not an *ExitError.
func ExitCode(err error) (code int, ok bool) {
	var exitError *ExitError
	if errors.As(err, &exitError) {
		return exitError.Code, true
	}
	return 0, false
}

// StderrContains reports whether err is an *ExitError whose stderr
// contains substring.
func StderrContains(err error, substring string) bool {
	var exitError *ExitError
	return errors.As(err, &exitError) && strings.Contains(exitError.Stderr, substring)
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	// Logger receives a debug line per command. Nil discards.
	Logger *slog.Logger
}

// Run starts the command, waits for it, and returns its output.
func (e Exec) Run(ctx context.Context, command Command) (Result, error) {
	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if command.Stdin != nil {
		cmd.Stdin = bytes.NewReader(command.Stdin)
	}

	if e.Logger != nil {
		e.Logger.Debug("running host command", "command", command.Name, "args", command.Args)
	}

	err := cmd.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return result, &ExitError{
			Command: command.String(),
			Code:    exitError.ExitCode(),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}
	return result, fmt.Errorf("%s: %w", command.Name, err)
}
