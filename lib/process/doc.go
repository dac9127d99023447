// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the prison,
// prison-guard and prison-executor binaries: reporting a fatal error
// before the structured logger exists, and mapping a run() error to an
// exit status.
package process
