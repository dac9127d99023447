// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Prison-executor is the privileged launch relay. It runs as root and
// serves launch requests on the configured Unix socket for callers
// that cannot switch to a prison's user themselves:
//
//	prison-executor [--config FILE] [--socket PATH] [--socket-mode MODE]
//
// Each request names a prison by id. The relay attaches to it, starts
// the process suspended inside the prison's groups, and hands the
// caller a handle to resume, kill and wait on it.
package main
