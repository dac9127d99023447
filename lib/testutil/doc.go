// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never call time.After directly. [SocketDir] returns
// a /tmp directory short enough for Unix socket paths. [RequireRoot]
// skips tests that need to create users, cgroups or quota entries.
// [UniqueID] produces collision-free names.
//
// All helpers fail the test with t.Fatalf rather than returning errors.
package testutil
