// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/prison/lib/launch"
	"github.com/bureau-foundation/prison/lib/testutil"
)

func TestMain(m *testing.M) {
	launch.Init()
	os.Exit(m.Run())
}

// localBackend launches requests as the test user.
func localBackend(t *testing.T, prisonID string) Backend {
	return BackendFunc(func(ctx context.Context, request Request) (*launch.Process, error) {
		if request.PrisonID != prisonID {
			return nil, errors.New("no such prison")
		}
		var launcher launch.Launcher
		return launcher.Start(ctx, launch.Spec{
			Filename: request.Filename,
			Args:     request.Args,
			Dir:      request.Dir,
			Env:      []string{"PATH=/usr/bin:/bin"},
			Stdin:    request.Stdin,
			Stdout:   request.Stdout,
			Stderr:   request.Stderr,
		}, func(int) error { return nil })
	})
}

func startServer(t *testing.T, server *Server) *Client {
	t.Helper()
	server.SocketPath = filepath.Join(testutil.SocketDir(t), "executor.sock")

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 10*time.Second, "waiting for Serve")
	})
	testutil.RequireClosed(t, ready, 5*time.Second, "waiting for executor socket")
	return &Client{SocketPath: server.SocketPath}
}

func wait(t *testing.T, process *launch.Process) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := process.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return code
}

func TestRelayedExitCode(t *testing.T) {
	client := startServer(t, &Server{Backend: localBackend(t, "p1")})
	if !client.Available() {
		t.Fatal("Available = false with a running server")
	}

	process, err := client.ExecuteProcess(context.Background(), Request{
		PrisonID: "p1",
		Filename: "sh",
		Args:     []string{"-c", "exit 67"},
	})
	if err != nil {
		t.Fatalf("ExecuteProcess: %v", err)
	}
	if process.Pid() <= 0 {
		t.Fatalf("pid = %d", process.Pid())
	}
	if process.State() != launch.StateTagged {
		t.Fatalf("state = %s, want tagged", process.State())
	}
	if err := process.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if code := wait(t, process); code != 67 {
		t.Errorf("exit code = %d, want 67", code)
	}
}

func TestRelayedStdout(t *testing.T) {
	client := startServer(t, &Server{Backend: localBackend(t, "p1")})

	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	process, err := client.ExecuteProcess(context.Background(), Request{
		PrisonID: "p1",
		Filename: "sh",
		Args:     []string{"-c", "echo relayed"},
		Stdout:   writer,
	})
	writer.Close()
	if err != nil {
		t.Fatalf("ExecuteProcess: %v", err)
	}
	if err := process.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	wait(t, process)

	output, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(output)); got != "relayed" {
		t.Errorf("stdout = %q, want %q", got, "relayed")
	}
}

func TestRelayedBackendError(t *testing.T) {
	client := startServer(t, &Server{Backend: localBackend(t, "p1")})

	_, err := client.ExecuteProcess(context.Background(), Request{PrisonID: "other", Filename: "true"})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "no such prison" {
		t.Errorf("ExecuteProcess = %v, want RemoteError(no such prison)", err)
	}
}

func TestRelayRateLimit(t *testing.T) {
	client := startServer(t, &Server{
		Backend: localBackend(t, "p1"),
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})

	process, err := client.ExecuteProcess(context.Background(), Request{PrisonID: "p1", Filename: "true"})
	if err != nil {
		t.Fatalf("first ExecuteProcess: %v", err)
	}
	process.Resume()
	wait(t, process)

	_, err = client.ExecuteProcess(context.Background(), Request{PrisonID: "p1", Filename: "true"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("second ExecuteProcess = %v, want ErrRateLimited", err)
	}
}

func TestRelayedKill(t *testing.T) {
	client := startServer(t, &Server{Backend: localBackend(t, "p1")})

	process, err := client.ExecuteProcess(context.Background(), Request{
		PrisonID: "p1",
		Filename: "sleep",
		Args:     []string{"30"},
	})
	if err != nil {
		t.Fatalf("ExecuteProcess: %v", err)
	}
	if err := process.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := process.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if code := wait(t, process); code != 128+9 {
		t.Errorf("exit code = %d, want %d", code, 128+9)
	}
}

func TestAttachHandles(t *testing.T) {
	stdout, stderr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer stdout.Close()
	defer stderr.Close()
	request := Request{HasStdout: true, HasStderr: true}
	if err := attachHandles(&request, []*os.File{stdout, stderr}); err != nil {
		t.Fatalf("attachHandles: %v", err)
	}
	if request.Stdin != nil || request.Stdout != stdout || request.Stderr != stderr {
		t.Errorf("handles = %v %v %v", request.Stdin, request.Stdout, request.Stderr)
	}

	if err := attachHandles(&Request{HasStdin: true}, nil); err == nil {
		t.Error("missing descriptor accepted")
	}
	if err := attachHandles(&Request{}, []*os.File{stdout}); err == nil {
		t.Error("undeclared descriptor accepted")
	}
}
