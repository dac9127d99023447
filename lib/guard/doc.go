// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard runs the per-principal guard: a second, pid-tracked
// group named "<username>-guard" that every sandboxed process joins in
// addition to its resource group, held open by a watcher process.
//
// The watcher ([Watcher], run by cmd/prison-guard) enforces the
// principal's memory quota by polling the guard group, and serves a
// control socket at <run>/guard/discharge-<username>.sock. The
// supervisor ([Controller]) starts a watcher the first time a prison
// executes a process, and discharges it when the prison is destroyed;
// the watcher then closes its handle, which kills anything still in the
// guard group.
package guard
