// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Binaries
// use it in main() for failures that happen before the logger exists.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCoder is implemented by errors that carry a process exit code,
// such as cli.ExitError.
type ExitCoder interface {
	ExitCode() int
}

// Exit terminates the process for the error returned by a binary's
// run function: nil exits 0, an ExitCoder exits with its code without
// printing, anything else goes through Fatal.
func Exit(err error) {
	if err == nil {
		os.Exit(0)
	}
	if coder, ok := err.(ExitCoder); ok {
		os.Exit(coder.ExitCode())
	}
	Fatal(err)
}
