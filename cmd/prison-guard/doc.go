// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Prison-guard is the per-principal guard watcher. The supervisor
// starts one the first time a prison runs a process:
//
//	prison-guard [--guard-dir DIR] [--group-dir DIR] [--poll-interval D] <username> <memory_quota_bytes>
//
// It holds the "<username>-guard" group open, kills the group when its
// resident memory exceeds the quota (0 disables the check), and exits
// when a "discharge" request arrives on
// <guard-dir>/discharge-<username>.sock or on SIGTERM.
package main
