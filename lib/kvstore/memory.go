// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store. Tests use it where the persistence
// itself is not under test.
type Memory struct {
	mu     sync.Mutex
	groups map[string]map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{groups: make(map[string]map[string][]byte)}
}

// Read implements Store.
func (m *Memory) Read(_ context.Context, group, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, found := m.groups[group][key]
	return slices.Clone(value), found, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, group, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		delete(m.groups[group], key)
		if len(m.groups[group]) == 0 {
			delete(m.groups, group)
		}
		return nil
	}
	if m.groups[group] == nil {
		m.groups[group] = make(map[string][]byte)
	}
	m.groups[group][key] = slices.Clone(value)
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context, group string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.groups[group] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
