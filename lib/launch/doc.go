// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch starts processes suspended so they can be placed into
// resource groups before they run any code of their own.
//
// Linux has no "create suspended" flag, so the supervisor re-executes
// its own binary as a trampoline. The trampoline is started with the
// target's credential, session, directory, environment and std
// handles, stops itself with SIGSTOP, and once continued execs the
// target. The supervisor observes the stop with wait4(WUNTRACED), runs
// the tag functions passed to [Launcher.Start], and [Process.Resume]
// sends SIGCONT:
//
//	Created --tag functions--> Tagged --Resume--> Running --exit--> Exited
//
// Every binary that launches processes must call [Init] at the top of
// main. Init also dispatches helpers added with [Register], which other
// packages use to run small probes under a different identity.
package launch
