// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/kvstore"
	"github.com/bureau-foundation/prison/lib/procfs"
	"github.com/bureau-foundation/prison/lib/retry"
	"github.com/bureau-foundation/prison/lib/secret"
)

// CredentialGroup is the credential store group holding principal
// passwords, keyed by username.
const CredentialGroup = "prison_users"

var (
	// ErrAlreadyCreated is returned by Create on a principal that has
	// already been provisioned.
	ErrAlreadyCreated = errors.New("principal has already been created")

	// ErrNotCreated is returned by Delete on a principal that was never
	// provisioned.
	ErrNotCreated = errors.New("principal has not been created")
)

// Principal is the system account a prison's processes run as.
type Principal struct {
	username string
	password *secret.Buffer
	created  bool

	mu            sync.Mutex
	credential    *Credential
	profileLoaded bool
}

// Username returns the account name.
func (p *Principal) Username() string { return p.username }

// Prefix returns the tag embedded in the username, or "".
func (p *Principal) Prefix() string { return PrefixOf(p.username) }

// Created reports whether the account exists (or existed when the
// principal was attached).
func (p *Principal) Created() bool { return p.created }

// Password returns the protected password, or nil when the principal
// was attached without reading its credential.
func (p *Principal) Password() *secret.Buffer { return p.password }

// ProfileLoaded reports whether LoadProfile has run for this handle.
func (p *Principal) ProfileLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileLoaded
}

// Close releases the protected password.
func (p *Principal) Close() error {
	if p.password == nil {
		return nil
	}
	return p.password.Close()
}

// Manager creates, resolves and removes principals.
type Manager struct {
	Accounts Accounts
	Store    kvstore.Store
	Clock    clock.Clock
	Proc     procfs.FS
	Logger   *slog.Logger

	// UserDelete bounds userdel retries while the account is busy.
	UserDelete retry.Policy
	// ProfileUnload bounds the wait for the account's processes to exit.
	ProfileUnload retry.Policy
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

func (m *Manager) clock() clock.Clock {
	if m.Clock == nil {
		return clock.Real()
	}
	return m.Clock
}

// New generates a fresh principal that does not exist yet.
func (m *Manager) New(prefix string) (*Principal, error) {
	username, err := GenerateUsername(prefix)
	if err != nil {
		return nil, err
	}
	password, err := secret.NewFromBytes(GeneratePassword())
	if err != nil {
		return nil, fmt.Errorf("protecting password: %w", err)
	}
	return &Principal{username: username, password: password}, nil
}

// Attach returns a handle to an existing principal by name, without
// reading its password.
func (m *Manager) Attach(username string) *Principal {
	return &Principal{username: username, created: true}
}

// Create provisions the account with home directory home and stores
// its password under CredentialGroup.
func (m *Manager) Create(ctx context.Context, principal *Principal, home string) error {
	if principal.created {
		return fmt.Errorf("%s: %w", principal.username, ErrAlreadyCreated)
	}
	if _, err := m.Accounts.Lookup(ctx, principal.username); err == nil {
		return fmt.Errorf("%s: %w", principal.username, ErrUserExists)
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	if err := m.Accounts.CreateUser(ctx, principal.username, principal.password, home); err != nil {
		return fmt.Errorf("creating account %s: %w", principal.username, err)
	}
	if err := m.Store.Save(ctx, CredentialGroup, principal.username, principal.password.Bytes()); err != nil {
		return fmt.Errorf("storing credential for %s: %w", principal.username, err)
	}
	principal.created = true

	m.logger().Info("principal created", "username", principal.username)
	return nil
}

// Delete removes the account and its stored credential. userdel is
// retried under the UserDelete policy while the account is busy. The
// credential is removed even when the account was already gone.
func (m *Manager) Delete(ctx context.Context, principal *Principal) error {
	if !principal.created {
		return fmt.Errorf("%s: %w", principal.username, ErrNotCreated)
	}

	deleteErr := retry.Do(ctx, m.clock(), m.UserDelete, func() (bool, error, error) {
		err := m.Accounts.DeleteUser(ctx, principal.username)
		switch {
		case err == nil:
			return true, nil, nil
		case errors.Is(err, ErrUserBusy):
			return false, err, nil
		default:
			return false, nil, err
		}
	})

	storeErr := m.Store.Save(ctx, CredentialGroup, principal.username, nil)
	if storeErr != nil {
		storeErr = fmt.Errorf("removing credential for %s: %w", principal.username, storeErr)
	}

	principal.mu.Lock()
	principal.credential = nil
	principal.mu.Unlock()

	if deleteErr == nil {
		m.logger().Info("principal deleted", "username", principal.username)
	}
	return errors.Join(deleteErr, storeErr)
}

// Credential resolves the account's uid, gid and supplementary groups.
// The result is cached on the principal.
func (m *Manager) Credential(ctx context.Context, principal *Principal) (Credential, error) {
	principal.mu.Lock()
	defer principal.mu.Unlock()
	if principal.credential != nil {
		return *principal.credential, nil
	}
	credential, err := m.Accounts.Lookup(ctx, principal.username)
	if err != nil {
		return Credential{}, err
	}
	principal.credential = &credential
	return credential, nil
}

// LoadProfile creates the profile directory owned by the principal,
// mode 0700. It is idempotent.
func (m *Manager) LoadProfile(ctx context.Context, principal *Principal, directory string) error {
	credential, err := m.Credential(ctx, principal)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating profile %s: %w", directory, err)
	}
	if err := os.Chown(directory, int(credential.UID), int(credential.GID)); err != nil {
		return fmt.Errorf("chown profile %s: %w", directory, err)
	}
	if err := os.Chmod(directory, 0o700); err != nil {
		return fmt.Errorf("chmod profile %s: %w", directory, err)
	}

	principal.mu.Lock()
	principal.profileLoaded = true
	principal.mu.Unlock()
	return nil
}

// ProfileInUse reports whether any process still runs as the
// principal. A principal whose account is gone has no processes.
func (m *Manager) ProfileInUse(ctx context.Context, principal *Principal) (bool, error) {
	credential, err := m.Credential(ctx, principal)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pids, err := m.Proc.ProcessesOwnedBy(credential.UID)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

// UnloadProfile waits, under the ProfileUnload policy, until no
// process runs as the principal.
func (m *Manager) UnloadProfile(ctx context.Context, principal *Principal) error {
	err := retry.Do(ctx, m.clock(), m.ProfileUnload, func() (bool, error, error) {
		inUse, err := m.ProfileInUse(ctx, principal)
		if err != nil {
			return false, nil, err
		}
		if inUse {
			return false, fmt.Errorf("processes still running as %s", principal.username), nil
		}
		return true, nil, nil
	})
	if err != nil {
		return fmt.Errorf("unloading profile of %s: %w", principal.username, err)
	}

	principal.mu.Lock()
	principal.profileLoaded = false
	principal.mu.Unlock()
	return nil
}

// DeleteProfile removes the profile directory. A missing directory is
// not an error.
func (m *Manager) DeleteProfile(principal *Principal, directory string) error {
	if err := os.RemoveAll(filepath.Clean(directory)); err != nil {
		return fmt.Errorf("deleting profile of %s: %w", principal.username, err)
	}
	return nil
}

// Listing is one entry of List.
type Listing struct {
	Username string
	Prefix   string
}

// List enumerates prison accounts that have a stored credential. A
// non-empty filter keeps only accounts whose prefix equals it.
func (m *Manager) List(ctx context.Context, filter string) ([]Listing, error) {
	usernames, err := m.Accounts.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing system users: %w", err)
	}

	var listings []Listing
	for _, username := range usernames {
		if !IsPrisonUsername(username) {
			continue
		}
		password, found, err := m.Store.Read(ctx, CredentialGroup, username)
		if err != nil {
			return nil, fmt.Errorf("reading credential for %s: %w", username, err)
		}
		if !found || len(password) == 0 {
			continue
		}
		clear(password)

		prefix := PrefixOf(username)
		if filter != "" && prefix != filter {
			continue
		}
		listings = append(listings, Listing{Username: username, Prefix: prefix})
	}
	return listings, nil
}
