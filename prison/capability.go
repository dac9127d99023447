// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package prison

import (
	"os"

	"golang.org/x/sys/unix"
)

// CanSwitchUser reports whether this process may start processes as
// another account: it is root, or holds CAP_SETUID and CAP_SETGID in
// its effective set.
func CanSwitchUser() bool {
	if os.Geteuid() == 0 {
		return true
	}
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&header, &data[0]); err != nil {
		return false
	}
	const wanted = 1<<unix.CAP_SETUID | 1<<unix.CAP_SETGID
	return data[0].Effective&wanted == wanted
}
