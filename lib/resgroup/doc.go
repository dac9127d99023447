// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resgroup groups the processes of a prison so they can be
// limited, accounted and killed together.
//
// Two [Manager] implementations exist:
//
//   - [CgroupManager] places each group in a cgroup v2 directory under
//     <root>/prison.slice. Limits map onto cpu.max, memory.max,
//     pids.max and cpu.weight.nice; counters come from pids.current,
//     memory.peak, io.stat and cpu.stat; TerminateAll writes
//     cgroup.kill.
//   - [TrackedManager] keeps a pid registry per group and discovers
//     descendants through the process table. It backs the guard group
//     (a process can only be in one cgroup) and stands in for cgroups
//     on hosts without the unified hierarchy.
//
// Every open handle holds a shared flock on <lock dir>/<name>.lock.
// Close converts the share to an exclusive non-blocking lock; the
// handle that succeeds is the last one, and it kills every member and
// removes the group. A process that dies holding a handle drops its
// share with it, so the group lives exactly as long as some process
// has it open.
package resgroup
