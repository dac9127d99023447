// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor relays process launches from callers that cannot
// switch identities to a privileged daemon that can.
//
// The transport is a SOCK_SEQPACKET Unix socket, one packet per CBOR
// frame. The client's execute frame carries the caller's std handles as
// SCM_RIGHTS. The server creates the process suspended and tagged
// through its [Backend], replies with the pid, resumes or kills the
// process when the client asks, and finally sends the exit status on
// the same connection. A client that disconnects before resuming gets
// its process killed. Launches are rate-limited with
// golang.org/x/time/rate.
package executor
