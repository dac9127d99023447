// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package station gives each prison principal its own terminal
// station: a dedicated tmux server listening on
// <run>/stations/<username>.sock, holding one session per desktop.
// Prison processes learn their station and desktop through the
// PRISON_STATION and PRISON_DESKTOP environment variables and can open
// windows there without seeing any other principal's terminals.
//
// All tmux commands go through [Station], which injects the -S flag, so
// no operation can reach the caller's personal tmux server. New servers
// start with -f /dev/null and never read a user's tmux.conf.
//
// Like a window station, the station a process works against is
// process-wide state. [Use] switches it and returns the previous
// station so callers can restore it with defer; [EnsureDesktop] acts on
// whichever station is current.
package station
