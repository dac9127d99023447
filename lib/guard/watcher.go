// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/service"
)

// GroupName returns the guard group name for a principal.
func GroupName(username string) string {
	return username + "-guard"
}

// SocketPath returns the discharge socket path for a principal under
// the guard directory.
func SocketPath(directory, username string) string {
	return filepath.Join(directory, "discharge-"+username+".sock")
}

// Status is the "ping" and "status" response.
type Status struct {
	Username    string            `cbor:"username"`
	Group       string            `cbor:"group"`
	MemoryQuota int64             `cbor:"memory_quota,omitempty"`
	Counters    resgroup.Counters `cbor:"counters"`
	Violations  int               `cbor:"violations"`
}

// Watcher owns a principal's guard group. It holds the group open for
// as long as it runs, enforces the memory quota on every poll, and
// exits when told to discharge. Closing its handle kills whatever is
// left in the group unless another handle is still open.
type Watcher struct {
	Username     string
	MemoryQuota  int64
	Groups       *resgroup.TrackedManager
	Directory    string
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Run serves the discharge socket and polls until ctx is cancelled or a
// discharge request arrives. ready, when non-nil, is closed once the
// socket accepts connections.
func (w *Watcher) Run(ctx context.Context, ready chan<- struct{}) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("username", w.Username)
	source := w.Clock
	if source == nil {
		source = clock.Real()
	}

	name := GroupName(w.Username)
	group, err := w.Groups.CreateTracked(name)
	if errors.Is(err, resgroup.ErrGroupExists) {
		group, err = w.Groups.OpenTracked(name)
	}
	if err != nil {
		return fmt.Errorf("opening guard group %s: %w", name, err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			logger.Error("closing guard group", "error", err)
		}
	}()

	if w.MemoryQuota > 0 {
		if err := group.SetLimit(resgroup.LimitMemoryBytes, w.MemoryQuota); err != nil {
			return fmt.Errorf("setting guard memory quota: %w", err)
		}
	}

	ctx, discharge := context.WithCancel(ctx)
	defer discharge()

	// Status requests are served on connection goroutines.
	var violations atomic.Int64
	status := func() (Status, error) {
		counters, err := group.Counters()
		if err != nil {
			return Status{}, err
		}
		return Status{
			Username:    w.Username,
			Group:       name,
			MemoryQuota: w.MemoryQuota,
			Counters:    counters,
			Violations:  int(violations.Load()),
		}, nil
	}

	server := service.NewSocketServer(SocketPath(w.Directory, w.Username), logger)
	server.Handle("ping", func(context.Context, []byte) (any, error) {
		return Status{Username: w.Username, Group: name, MemoryQuota: w.MemoryQuota}, nil
	})
	server.Handle("status", func(context.Context, []byte) (any, error) {
		return status()
	})
	server.Handle("discharge", func(context.Context, []byte) (any, error) {
		logger.Info("guard discharged")
		discharge()
		return nil, nil
	})

	ticker := source.NewTicker(w.PollInterval)
	defer ticker.Stop()

	serverReady := make(chan struct{})
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx, serverReady) }()

	select {
	case <-serverReady:
	case err := <-serverDone:
		return err
	}
	logger.Info("guard watching", "group", name, "memory_quota", w.MemoryQuota)
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return <-serverDone
		case <-ticker.C:
			found, err := group.Enforce()
			if err != nil {
				logger.Warn("guard enforcement failed", "error", err)
				continue
			}
			for _, violation := range found {
				violations.Add(1)
				logger.Warn("guard limit violated",
					"limit", violation.Limit,
					"actual", violation.Actual,
					"kind", violation.Kind.String(),
				)
			}
		}
	}
}
