// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package record persists prison state so a different process can
// reattach to a prison by id.
//
// Each prison is one CBOR file, <directory>/<id>.cbor, holding the
// id, tag, rules, principal username, locked flag, station desktop
// name and creation time. Writes are atomic (temporary file, fsync,
// rename, directory fsync). A record is written at creation, rewritten
// at lockdown and after the station desktop is assigned, and deleted
// on destroy.
package record
