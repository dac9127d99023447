// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/prison/lib/secret"
)

// MemoryAccounts is an in-process Accounts for tests. It records every
// mutating call so tests can assert that an operation changed nothing.
type MemoryAccounts struct {
	// Identity picks the uid and gid of a new account. Nil assigns
	// sequential ids from 20000.
	Identity func(username string) (uid, gid uint32)

	mu        sync.Mutex
	users     map[string]Credential
	groups    map[string][]string
	nextID    uint32
	mutations []string
}

func (m *MemoryAccounts) init() {
	if m.users == nil {
		m.users = make(map[string]Credential)
		m.groups = make(map[string][]string)
		m.nextID = 20000
	}
}

func (m *MemoryAccounts) record(format string, args ...any) {
	m.mutations = append(m.mutations, fmt.Sprintf(format, args...))
}

// Mutations returns the mutating calls made so far, in order.
func (m *MemoryAccounts) Mutations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.mutations)
}

// CreateUser implements Accounts.
func (m *MemoryAccounts) CreateUser(_ context.Context, username string, _ *secret.Buffer, home string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, exists := m.users[username]; exists {
		return fmt.Errorf("%s: %w", username, ErrUserExists)
	}
	uid, gid := m.nextID, m.nextID
	m.nextID++
	if m.Identity != nil {
		uid, gid = m.Identity(username)
	}
	m.users[username] = Credential{Username: username, UID: uid, GID: gid, Home: home, Shell: "/usr/sbin/nologin"}
	m.record("create-user %s", username)
	return nil
}

// DeleteUser implements Accounts.
func (m *MemoryAccounts) DeleteUser(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, exists := m.users[username]; !exists {
		return fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	delete(m.users, username)
	for group, members := range m.groups {
		m.groups[group] = slices.DeleteFunc(members, func(member string) bool { return member == username })
	}
	m.record("delete-user %s", username)
	return nil
}

// Lookup implements Accounts.
func (m *MemoryAccounts) Lookup(_ context.Context, username string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	credential, exists := m.users[username]
	if !exists {
		return Credential{}, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	return credential, nil
}

// ListUsers implements Accounts.
func (m *MemoryAccounts) ListUsers(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return slices.Sorted(maps.Keys(m.users)), nil
}

// EnsureGroup implements Accounts.
func (m *MemoryAccounts) EnsureGroup(_ context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, exists := m.groups[group]; !exists {
		m.groups[group] = nil
		m.record("create-group %s", group)
	}
	return nil
}

// AddToGroup implements Accounts.
func (m *MemoryAccounts) AddToGroup(_ context.Context, username, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if _, exists := m.users[username]; !exists {
		return fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	if !slices.Contains(m.groups[group], username) {
		m.groups[group] = append(m.groups[group], username)
	}
	m.record("add-to-group %s %s", username, group)
	return nil
}

// RemoveFromGroup implements Accounts.
func (m *MemoryAccounts) RemoveFromGroup(_ context.Context, username, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if members, exists := m.groups[group]; exists {
		m.groups[group] = slices.DeleteFunc(members, func(member string) bool { return member == username })
	}
	m.record("remove-from-group %s %s", username, group)
	return nil
}

// GroupMembers implements Accounts.
func (m *MemoryAccounts) GroupMembers(_ context.Context, group string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return slices.Clone(m.groups[group]), nil
}
