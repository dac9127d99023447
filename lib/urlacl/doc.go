// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package urlacl reserves local TCP listen ports for single principals.
//
// A reservation is a pair of rules in the PRISON-URLACL iptables chain,
// hooked from the filter OUTPUT chain: an ACCEPT for packets leaving the
// port that belong to the owning uid, followed by a REJECT for the same
// port from anyone else. Both rules carry the comment
// "prison-urlacl:<port>", which is how a reservation is found again for
// removal and listing. The chain itself is the machine-wide record of
// reservations; nothing else is persisted.
//
// Listing resolves each owning uid back to an account name. A uid
// without an account belongs to a principal that was deleted without
// releasing its port, and is reported with the owner [Orphaned].
package urlacl
