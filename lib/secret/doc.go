// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps principal passwords out of the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock),
// excluded from core dumps (MADV_DONTDUMP), and zeroed on Close. The
// garbage collector never sees the mapping, so it cannot leave copies
// of the password behind.
//
// Depends only on golang.org/x/sys/unix.
package secret
