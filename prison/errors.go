// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package prison

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/bureau-foundation/prison/lib/hostcmd"
)

var (
	// ErrAlreadyLocked is returned by Lockdown on a locked prison.
	ErrAlreadyLocked = errors.New("prison is already locked down")

	// ErrNotLocked is returned by Execute and Destroy on a prison that
	// is not locked down.
	ErrNotLocked = errors.New("prison is not locked down")

	// ErrInvalidEnvironment is returned by Execute for an environment
	// variable name the kernel cannot represent.
	ErrInvalidEnvironment = errors.New("invalid environment variable")
)

// OSError reports a failed operating system call or host command. Code
// is the errno or the command's exit status, 0 when neither applies.
type OSError struct {
	Op     string
	Target string
	Code   int
	Err    error
}

func (e *OSError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %v (code %d)", e.Op, e.Target, e.Err, e.Code)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OSError) Unwrap() error { return e.Err }

// osError wraps err in an *OSError unless it is nil or already one.
func osError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OSError
	if errors.As(err, &existing) {
		return err
	}
	code := 0
	var errno syscall.Errno
	if exitCode, ok := hostcmd.ExitCode(err); ok {
		code = exitCode
	} else if errors.As(err, &errno) {
		code = int(errno)
	}
	return &OSError{Op: op, Target: target, Code: code, Err: err}
}
