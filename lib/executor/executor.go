// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"os"

	"github.com/bureau-foundation/prison/lib/launch"
)

// ErrRateLimited is reported when the relay refuses a request because
// its launch budget is spent.
var ErrRateLimited = errors.New("executor: launch rate exceeded")

// Request asks the relay to start a process in a locked-down prison.
type Request struct {
	PrisonID string            `cbor:"prison_id"`
	Filename string            `cbor:"filename"`
	Args     []string          `cbor:"args,omitempty"`
	Dir      string            `cbor:"dir,omitempty"`
	Env      map[string]string `cbor:"env,omitempty"`

	// Which std handles travel with the request, in fd order.
	HasStdin  bool `cbor:"has_stdin,omitempty"`
	HasStdout bool `cbor:"has_stdout,omitempty"`
	HasStderr bool `cbor:"has_stderr,omitempty"`

	Stdin  *os.File `cbor:"-"`
	Stdout *os.File `cbor:"-"`
	Stderr *os.File `cbor:"-"`
}

// Backend creates the suspended, tagged process for a request. The
// prison environment implements it. The returned process must be in
// launch.StateTagged; the relay resumes it when the client asks.
type Backend interface {
	StartSuspended(ctx context.Context, request Request) (*launch.Process, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, request Request) (*launch.Process, error)

// StartSuspended implements Backend.
func (f BackendFunc) StartSuspended(ctx context.Context, request Request) (*launch.Process, error) {
	return f(ctx, request)
}
