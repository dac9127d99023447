// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procfs

import "golang.org/x/sys/unix"

// Reading a file of a process that exited after open fails with ESRCH.
var errESRCH error = unix.ESRCH
