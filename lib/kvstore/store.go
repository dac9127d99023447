// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"errors"
)

// ErrKeysUnsupported is returned by Keys on backends that cannot
// enumerate a group.
var ErrKeysUnsupported = errors.New("kvstore: backend cannot enumerate keys")

// Store is a two-level key/value store: values live under a key within
// a group.
type Store interface {
	// Read returns the value under group/key. found is false when the
	// key does not exist; that is not an error.
	Read(ctx context.Context, group, key string) (value []byte, found bool, err error)

	// Save stores value under group/key, replacing any existing value.
	// A nil value deletes the key. A group with no keys left ceases to
	// exist.
	Save(ctx context.Context, group, key string, value []byte) error

	// Keys lists the keys in group in ascending order. A missing group
	// yields no keys.
	Keys(ctx context.Context, group string) ([]string, error)

	// Close releases the backend.
	Close() error
}
