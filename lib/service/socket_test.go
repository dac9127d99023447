// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/prison/lib/codec"
	"github.com/bureau-foundation/prison/lib/testutil"
)

func startServer(t *testing.T, configure func(*SocketServer)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	server := NewSocketServer(socketPath, nil)
	configure(server)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	testutil.RequireClosed(t, ready, 5*time.Second, "waiting for listener")
	return socketPath
}

func TestCallRoundTrip(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {
		server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
			var request struct {
				Word string `cbor:"word"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return map[string]string{"word": request.Word + request.Word}, nil
		})
	})

	var result struct {
		Word string `cbor:"word"`
	}
	err := NewClient(socketPath).Call(context.Background(), "echo", map[string]any{"word": "ab"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Word != "abab" {
		t.Errorf("word = %q, want %q", result.Word, "abab")
	}
}

func TestCallHandlerError(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {
		server.Handle("fail", func(context.Context, []byte) (any, error) {
			return nil, errors.New("refused")
		})
	})

	err := NewClient(socketPath).Call(context.Background(), "fail", nil, nil)
	var serviceErr *Error
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Call = %v, want *Error", err)
	}
	if serviceErr.Message != "refused" || serviceErr.Action != "fail" {
		t.Errorf("error = %+v", serviceErr)
	}
}

func TestCallUnknownAction(t *testing.T) {
	socketPath := startServer(t, func(*SocketServer) {})

	err := NewClient(socketPath).Call(context.Background(), "missing", nil, nil)
	var serviceErr *Error
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Call = %v, want *Error", err)
	}
}

func TestSocketMode(t *testing.T) {
	socketPath := startServer(t, func(server *SocketServer) {
		server.SetMode(0o660)
	})
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o660 {
		t.Errorf("socket mode = %o, want 660", mode)
	}
}

func TestCallWithoutServer(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")
	err := NewClient(socketPath).Call(context.Background(), "ping", nil, nil)
	if !errors.Is(err, syscall.ENOENT) {
		t.Errorf("Call = %v, want ENOENT", err)
	}
}
