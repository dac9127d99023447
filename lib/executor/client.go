// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/bureau-foundation/prison/lib/launch"
)

// RemoteError is a refusal reported by the relay.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "executor: " + e.Message
}

// Is lets errors.Is(err, ErrRateLimited) see through a refusal.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRateLimited && e.Message == ErrRateLimited.Error()
}

// Client is the unprivileged side of the relay.
type Client struct {
	SocketPath string
}

// ExecuteProcess asks the relay to start request suspended and tagged.
// The returned process is in launch.StateTagged: Resume sends a resume
// frame and the relay delivers SIGCONT. The exit status arrives on the
// same connection; if the connection drops first, the process reports
// exit code -1.
func (c *Client) ExecuteProcess(ctx context.Context, request Request) (*launch.Process, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "unixpacket", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to executor %s: %w", c.SocketPath, err)
	}
	conn := raw.(*net.UnixConn)

	var files []*os.File
	request.HasStdin, request.HasStdout, request.HasStderr = false, false, false
	if request.Stdin != nil {
		request.HasStdin = true
		files = append(files, request.Stdin)
	}
	if request.Stdout != nil {
		request.HasStdout = true
		files = append(files, request.Stdout)
	}
	if request.Stderr != nil {
		request.HasStderr = true
		files = append(files, request.Stderr)
	}

	if err := writeFrame(conn, frame{Kind: kindExecute, Request: &request}, files...); err != nil {
		conn.Close()
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	reply, extra, err := readFrame(conn)
	closeAll(extra)
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading executor reply: %w", err)
	}
	switch reply.Kind {
	case kindStarted:
	case kindError:
		conn.Close()
		return nil, &RemoteError{Message: reply.Error}
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected executor reply %q", reply.Kind)
	}

	var writeMu sync.Mutex
	send := func(kind string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(conn, frame{Kind: kind})
	}
	process, finish := launch.Remote(reply.Pid,
		func() error { return send(kindResume) },
		func() error { return send(kindKill) },
	)

	go func() {
		defer conn.Close()
		for {
			message, extra, err := readFrame(conn)
			closeAll(extra)
			if err != nil {
				finish(-1)
				return
			}
			if message.Kind == kindExit {
				finish(message.ExitCode)
				return
			}
		}
	}()
	return process, nil
}

// Available reports whether a relay socket exists at SocketPath.
func (c *Client) Available() bool {
	if c.SocketPath == "" {
		return false
	}
	info, err := os.Stat(c.SocketPath)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}
