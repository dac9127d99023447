// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rules defines the rule specification a prison is locked down
// with and the cell-kind bitmask that selects its cells.
//
// [CellKind] is a closed set of bits. [CellKind.Enabled] implements the
// catch-all rule: a mask containing [All] enables every kind, even
// bits not individually set. [Kinds] is the fixed registry order used
// for apply, recover and destroy.
//
// [Specification] carries the numeric limits. Zero means unlimited for
// every limit; a negative disk quota disables the quota check, and a
// network rate of -1 disables that throttle.
// [PriorityClass] maps scheduling classes to nice values.
//
// The parse helpers turn CLI strings ("2G", "50%", "cpu,disk", "8M")
// into specification values.
package rules
