// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package doctor is the check-and-repair workflow behind "prison
// doctor".
//
// A check produces a [Result]: pass, warn, skip or fail, and a failure
// may carry a fix closure. [ExecuteFixes] runs the fixes, skipping
// those that need root when the process is not root, and
// [PrintChecklist] or [BuildJSON] report the outcome. What to check
// lives with the command; this package only runs the workflow.
package doctor
