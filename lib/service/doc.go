// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the control socket protocol shared by the
// prison daemons: one CBOR request per connection, carrying an
// "action" field, answered by one CBOR [Response].
//
// The guard watcher serves "ping", "status" and "discharge" on its
// per-principal socket with [SocketServer]; the supervisor talks to it
// with [Client].
package service
