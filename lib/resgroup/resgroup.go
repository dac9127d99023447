// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resgroup

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrGroupNotFound is returned by Open when no group has the name.
	ErrGroupNotFound = errors.New("resource group not found")

	// ErrGroupExists is returned by Create when the name is taken.
	ErrGroupExists = errors.New("resource group already exists")

	// ErrLimitUnsupported is returned by SetLimit for a limit the
	// backend cannot enforce.
	ErrLimitUnsupported = errors.New("limit not supported by this resource group backend")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("resource group handle is closed")
)

// LimitKind selects the limit SetLimit changes.
type LimitKind int

const (
	// LimitCPUPercent caps CPU time as a percentage of the whole
	// machine.
	LimitCPUPercent LimitKind = iota
	// LimitMemoryBytes caps resident memory of the whole group.
	LimitMemoryBytes
	// LimitActiveProcesses caps the number of live processes.
	LimitActiveProcesses
	// LimitPriority sets the nice value of every member.
	LimitPriority
)

func (k LimitKind) String() string {
	switch k {
	case LimitCPUPercent:
		return "cpu-percent"
	case LimitMemoryBytes:
		return "memory-bytes"
	case LimitActiveProcesses:
		return "active-processes"
	case LimitPriority:
		return "priority"
	}
	return fmt.Sprintf("LimitKind(%d)", int(k))
}

// Counters are live accounting values for a group.
type Counters struct {
	ActiveProcesses int64
	PeakMemoryBytes int64
	IOReadBytes     uint64
	IOWriteBytes    uint64
	IOReadOps       uint64
	IOWriteOps      uint64
	CPUUsage        time.Duration
}

// Group is an open handle on a resource group. Every handle holds a
// share of the group; closing the last handle terminates the members
// and removes the group.
type Group interface {
	// Name returns the group name.
	Name() string

	// AddProcess moves pid into the group.
	AddProcess(pid int) error

	// TerminateAll kills every member. Processes are killed with
	// SIGKILL; exitCode is recorded in the log only, since Linux
	// reports a signal death rather than a chosen status.
	TerminateAll(exitCode int) error

	// SetLimit changes one limit. A value of 0 removes the limit.
	// LimitPriority takes a nice value (-20 to 19); every other limit
	// must be non-negative.
	SetLimit(kind LimitKind, value int64) error

	// Counters reads the accounting values.
	Counters() (Counters, error)

	// Processes lists the live member pids.
	Processes() ([]int, error)

	// Close releases this handle's share of the group.
	Close() error
}

// Manager creates and opens groups by name.
type Manager interface {
	// Create makes a new empty group. Returns ErrGroupExists if the
	// name is taken.
	Create(name string) (Group, error)

	// Open attaches to an existing group. Returns ErrGroupNotFound if
	// there is none.
	Open(name string) (Group, error)
}

// ValidateName checks that name is usable as a single path element.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid resource group name %q", name)
	}
	return nil
}

// GroupName returns the resource group name for a principal.
func GroupName(username string) string {
	return "prison." + username
}
