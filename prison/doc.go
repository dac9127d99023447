// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package prison runs untrusted programs inside prisons: a dedicated
// system account, a resource group, and the cells selected by a rule
// specification.
//
// A [Prison] moves through a small lifecycle:
//
//	created ──Lockdown──▶ locked ──Execute*──▶ locked ──Destroy──▶ gone
//	                        ▲
//	                        └── Reattach (another process, from the record)
//
// [Environment.New] persists a minimal record straight away, so every
// prison is visible to "prison list" from the moment it exists.
// [Prison.Lockdown] provisions the principal and its group and applies
// the cells; a failure rolls back whatever was applied. [Prison.Execute]
// starts a process suspended, tags it into the resource group and the
// guard group, and only then lets it run. Callers that cannot switch
// users go through the privileged executor relay instead.
// [Prison.Destroy] is best-effort and reports every failure it met.
//
// The [Environment] owns the collaborators. [NewEnvironment] builds the
// Linux bindings from a [config.Config]; [NewEnvironmentWith] takes
// them explicitly, which is how the tests substitute in-memory
// backends and a fake launcher.
//
// Cells receive the prison as a [cell.Context] and never keep it.
package prison
