// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keyring is the Store backed by the operating system's secret service
// (the freedesktop Secret Service over D-Bus on Linux). The group is
// the keyring service name and the key is the keyring user. Values are
// stored as strings, so only text values round-trip.
//
// The secret service cannot enumerate entries, so Keys returns
// ErrKeysUnsupported. Principal enumeration still works because it
// lists system users first and only reads each user's credential.
type Keyring struct {
	// ServicePrefix is prepended to every group to keep prison entries
	// apart from other applications' secrets.
	ServicePrefix string
}

func (k Keyring) service(group string) string {
	return k.ServicePrefix + group
}

// Read implements Store.
func (k Keyring) Read(_ context.Context, group, key string) ([]byte, bool, error) {
	value, err := keyring.Get(k.service(group), key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: keyring read %s/%s: %w", group, key, err)
	}
	return []byte(value), true, nil
}

// Save implements Store. Deleting a missing key is not an error.
func (k Keyring) Save(_ context.Context, group, key string, value []byte) error {
	if value == nil {
		err := keyring.Delete(k.service(group), key)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("kvstore: keyring delete %s/%s: %w", group, key, err)
		}
		return nil
	}
	if err := keyring.Set(k.service(group), key, string(value)); err != nil {
		return fmt.Errorf("kvstore: keyring write %s/%s: %w", group, key, err)
	}
	return nil
}

// Keys implements Store.
func (Keyring) Keys(context.Context, string) ([]string, error) {
	return nil, ErrKeysUnsupported
}

// Close implements Store.
func (Keyring) Close() error { return nil }
