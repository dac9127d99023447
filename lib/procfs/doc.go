// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package procfs reads the handful of /proc files the prison runtime
// needs: the parent pid and start time from stat, the real uid and
// resident set size from status, and the io counters.
//
// Start times identify a process across pid reuse: a pid-tracked
// resource group stores "pid starttime" pairs and only signals a pid
// whose current start time still matches.
package procfs
