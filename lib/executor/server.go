// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/prison/lib/launch"
)

// Server is the privileged side of the relay.
type Server struct {
	SocketPath string

	// Mode is applied to the socket file. Callers who may relay are
	// those who can connect, so the default is 0600.
	Mode os.FileMode

	Backend Backend

	// Limiter bounds accepted launches. Nil accepts everything.
	Limiter *rate.Limiter

	Logger *slog.Logger

	activeConnections sync.WaitGroup
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Serve accepts relay connections until ctx is cancelled. ready, when
// non-nil, is closed once the socket accepts connections. Processes
// that were resumed keep running after Serve returns; processes still
// waiting for a resume are killed.
func (s *Server) Serve(ctx context.Context, ready chan<- struct{}) error {
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.SocketPath, err)
	}
	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: s.SocketPath, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.SocketPath)
	}()
	mode := s.Mode
	if mode == 0 {
		mode = 0o600
	}
	if err := os.Chmod(s.SocketPath, mode); err != nil {
		return fmt.Errorf("setting mode on %s: %w", s.SocketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger().Info("executor listening", "path", s.SocketPath)
	if ready != nil {
		close(ready)
	}

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger().Error("accept failed", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func peerUID(conn *net.UnixConn) int {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1
	}
	uid := -1
	raw.Control(func(descriptor uintptr) {
		if credentials, err := unix.GetsockoptUcred(int(descriptor), unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
			uid = int(credentials.Uid)
		}
	})
	return uid
}

func (s *Server) handleConnection(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	logger := s.logger().With("peer_uid", peerUID(conn))

	request, files, err := readFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("reading request", "error", err)
		}
		return
	}
	// The launched child holds its own copies.
	defer closeAll(files)

	if request.Kind != kindExecute || request.Request == nil {
		writeFrame(conn, frame{Kind: kindError, Error: fmt.Sprintf("expected %s frame, got %q", kindExecute, request.Kind)})
		return
	}
	if err := attachHandles(request.Request, files); err != nil {
		writeFrame(conn, frame{Kind: kindError, Error: err.Error()})
		return
	}
	if s.Limiter != nil && !s.Limiter.Allow() {
		writeFrame(conn, frame{Kind: kindError, Error: ErrRateLimited.Error()})
		return
	}

	logger = logger.With("prison_id", request.Request.PrisonID)
	process, err := s.Backend.StartSuspended(ctx, *request.Request)
	if err != nil {
		logger.Warn("relayed launch failed", "filename", request.Request.Filename, "error", err)
		writeFrame(conn, frame{Kind: kindError, Error: err.Error()})
		return
	}
	closeAll(files)

	logger = logger.With("pid", process.Pid())
	logger.Info("relayed launch", "filename", request.Request.Filename)
	if err := writeFrame(conn, frame{Kind: kindStarted, Pid: process.Pid()}); err != nil {
		logger.Warn("client went away before start was reported", "error", err)
		process.Kill()
		return
	}

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		s.control(conn, process, logger)
	}()

	select {
	case <-process.Done():
		code, _ := process.ExitCode()
		if err := writeFrame(conn, frame{Kind: kindExit, ExitCode: code}); err != nil {
			logger.Debug("exit status not delivered", "error", err)
		}
	case <-controlDone:
		// The client hung up. A process it never resumed must not be
		// left stopped forever.
		if process.State() == launch.StateTagged {
			process.Kill()
		}
	case <-ctx.Done():
		if process.State() == launch.StateTagged {
			process.Kill()
		}
	}
}

// control applies resume and kill frames until the client closes.
func (s *Server) control(conn *net.UnixConn, process *launch.Process, logger *slog.Logger) {
	for {
		message, files, err := readFrame(conn)
		closeAll(files)
		if err != nil {
			return
		}
		switch message.Kind {
		case kindResume:
			if err := process.Resume(); err != nil {
				logger.Warn("resume failed", "error", err)
			}
		case kindKill:
			if err := process.Kill(); err != nil {
				logger.Warn("kill failed", "error", err)
			}
		default:
			logger.Debug("ignoring frame", "kind", message.Kind)
		}
	}
}

// attachHandles assigns received descriptors to the std handle slots
// the request declared.
func attachHandles(request *Request, files []*os.File) error {
	slots := []struct {
		present bool
		target  **os.File
	}{
		{request.HasStdin, &request.Stdin},
		{request.HasStdout, &request.Stdout},
		{request.HasStderr, &request.Stderr},
	}
	next := 0
	for _, slot := range slots {
		if !slot.present {
			continue
		}
		if next >= len(files) {
			return fmt.Errorf("request declares more std handles than it carries (%d)", len(files))
		}
		*slot.target = files[next]
		next++
	}
	if next != len(files) {
		return fmt.Errorf("request carries %d descriptors but declares %d", len(files), next)
	}
	return nil
}
