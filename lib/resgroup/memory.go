// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resgroup

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryManager is an in-process Manager for tests. Its groups record
// the calls made on them and enforce nothing.
type MemoryManager struct {
	mu     sync.Mutex
	groups map[string]*MemoryGroup
}

// Create implements Manager.
func (m *MemoryManager) Create(name string) (Group, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups == nil {
		m.groups = make(map[string]*MemoryGroup)
	}
	if _, exists := m.groups[name]; exists {
		return nil, fmt.Errorf("%s: %w", name, ErrGroupExists)
	}
	group := &MemoryGroup{name: name, limits: make(map[LimitKind]int64), manager: m}
	m.groups[name] = group
	group.handles++
	return group, nil
}

// Open implements Manager.
func (m *MemoryManager) Open(name string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, exists := m.groups[name]
	if !exists {
		return nil, fmt.Errorf("%s: %w", name, ErrGroupNotFound)
	}
	group.mu.Lock()
	group.handles++
	group.mu.Unlock()
	return group, nil
}

// Lookup returns the group called name without opening a handle.
func (m *MemoryManager) Lookup(name string) (*MemoryGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, exists := m.groups[name]
	return group, exists
}

// Names returns the names of the live groups.
func (m *MemoryManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.groups))
}

// MemoryGroup is a group of MemoryManager. Every handle shares the one
// value; the group is removed when the last handle closes.
type MemoryGroup struct {
	name    string
	manager *MemoryManager

	mu         sync.Mutex
	handles    int
	members    []int
	limits     map[LimitKind]int64
	terminated int
	exitCode   int
	counters   Counters
}

// Name implements Group.
func (g *MemoryGroup) Name() string { return g.name }

// AddProcess implements Group.
func (g *MemoryGroup) AddProcess(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, pid)
	return nil
}

// TerminateAll implements Group.
func (g *MemoryGroup) TerminateAll(exitCode int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminated++
	g.exitCode = exitCode
	g.members = nil
	return nil
}

// SetLimit implements Group.
func (g *MemoryGroup) SetLimit(kind LimitKind, value int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[kind] = value
	return nil
}

// Limit returns the last value set for kind.
func (g *MemoryGroup) Limit(kind LimitKind) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	value, set := g.limits[kind]
	return value, set
}

// Terminations returns how many times TerminateAll ran.
func (g *MemoryGroup) Terminations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}

// LastExitCode returns the exit code passed to the latest TerminateAll.
func (g *MemoryGroup) LastExitCode() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode
}

// SetCounters sets the values Counters reports, apart from the active
// process count, which is the member count.
func (g *MemoryGroup) SetCounters(counters Counters) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters = counters
}

// Counters implements Group.
func (g *MemoryGroup) Counters() (Counters, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	counters := g.counters
	counters.ActiveProcesses = int64(len(g.members))
	return counters, nil
}

// Processes implements Group. Every pid ever added is reported until
// TerminateAll.
func (g *MemoryGroup) Processes() ([]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.members), nil
}

// Close implements Group.
func (g *MemoryGroup) Close() error {
	g.mu.Lock()
	g.handles--
	last := g.handles == 0
	g.mu.Unlock()
	if last {
		g.manager.mu.Lock()
		delete(g.manager.groups, g.name)
		g.manager.mu.Unlock()
	}
	return nil
}
