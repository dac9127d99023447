// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the "prison" command tree.
//
// Every verb that touches prisons opens a [prison.Environment] from the
// configuration named by --config or PRISON_CONFIG, and closes it when
// the verb returns. Closing releases the process's resource group
// handles, so "prison run" waits for its child before it returns.
package commands
