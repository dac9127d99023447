// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore is the key/group/value store behind principal
// credentials and network policy allocations.
//
// [Store] has three operations: read a value, save a value (a nil
// value deletes the key, and an emptied group disappears), and list a
// group's keys. Two backends implement it:
//
//   - [SQLite], the default, built on lib/sqlitepool.
//   - [Keyring], on github.com/zalando/go-keyring, for hosts that keep
//     credentials in the desktop secret service. It cannot list keys.
//
// Well-known groups are declared by their consumers: lib/principal
// uses "prison_users" and lib/netshape uses "network_policies".
package kvstore
