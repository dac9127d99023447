// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// shareLock is one handle's share of a group. Every handle holds a
// shared flock on <directory>/<name>.lock; the kernel drops the lock
// when the holder dies, so a crashed process never pins a group.
type shareLock struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func acquireShare(directory, name string) (*shareLock, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(directory, name+".lock")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening group lock: %w", err)
	}
	if err := flock(file, unix.LOCK_SH); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &shareLock{file: file, path: path}, nil
}

// release gives up the share. When no other share exists it converts
// to an exclusive lock, runs cleanup while holding it, and removes the
// lock file. last reports whether cleanup ran.
func (l *shareLock) release(cleanup func() error) (last bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return false, ErrClosed
	}
	file := l.file
	l.file = nil
	defer file.Close()

	err = flock(file, unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upgrading %s: %w", l.path, err)
	}

	cleanupErr := cleanup()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		cleanupErr = errors.Join(cleanupErr, err)
	}
	return true, cleanupErr
}

func (l *shareLock) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file == nil
}

func flock(file *os.File, how int) error {
	for {
		err := unix.Flock(int(file.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// withExclusive runs fn while holding an exclusive flock on path.
func withExclusive(path string, fn func() error) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := flock(file, unix.LOCK_EX); err != nil {
		return err
	}
	return fn()
}
