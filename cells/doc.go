// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cells implements the prison cell family and the registry
// that orders them.
//
// Each cell binds one [rules.CellKind] bit to an OS mechanism:
//
//   - CPU and Memory set limits on the prison's resource group.
//   - Disk sets per-user block quotas through [quota.Manager].
//   - Filesystem confines the principal to its home with POSIX ACLs
//     and a deny group ([acl.Manager]).
//   - Firewall reserves the prison's listen port ([urlacl.Manager]).
//   - Network throttles outbound traffic ([netshape.Shaper]).
//   - Station gives the principal its own terminal station
//     ([station.Manager]).
//   - WebGroup adds the principal to the web server group.
//
// Cells are stateless. Everything they create is keyed by the
// principal's username or the prison's rules, so a cell rebuilt in
// another process finds the same OS state again. The [Registry] builds
// every cell once from [Dependencies] and hands them out in the fixed
// order of [rules.Kinds].
package cells
