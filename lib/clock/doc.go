// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the polling loops in the prison
// runtime.
//
// Several lifecycle steps wait on the operating system by polling with
// a fixed delay: unloading a principal's profile, waiting for disk
// quota initialization, waiting for the guard watcher to come up, and
// the guard's own memory watch. Each of these takes a [Clock] so tests
// drive them with [Fake] and [FakeClock.Advance] instead of real
// sleeps.
//
// [FakeClock.WaitForTimers] closes the race between a goroutine
// registering a sleep and the test advancing the clock:
//
//	go func() { done <- retry.Do(ctx, fakeClock, op) }()
//	fakeClock.WaitForTimers(1)
//	fakeClock.Advance(200 * time.Millisecond)
//
// This package depends on no other prison packages.
package clock
