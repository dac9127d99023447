// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package acl manages the POSIX ACLs behind the filesystem cell.
//
// A prison's home is handed to its principal with a recursive
// user ACL (and matching default ACL). Machine-wide, every directory an
// ordinary user could write to gets a "g:<group>:r-x" entry for the
// prison group, which makes those directories read-only to prison
// principals even when they are world-writable.
//
// Which directories are open is measured, not guessed: a probe helper,
// registered with lib/launch, runs as a throwaway user and tries to
// create a "prisonsec_<uuid>" directory and file in each directory it
// walks.
package acl
