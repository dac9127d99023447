// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/testutil"
)

func TestDoSucceedsAfterPolling(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	policy := Policy{Attempts: 5, Delay: 200 * time.Millisecond}

	calls := 0
	result := make(chan error, 1)
	go func() {
		result <- Do(context.Background(), fake, policy, func() (bool, error, error) {
			calls++
			return calls == 3, nil, nil
		})
	}()

	for range 2 {
		fake.WaitForTimers(1)
		fake.Advance(policy.Delay)
	}

	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for Do"); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustedWrapsTransient(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	policy := Policy{Attempts: 3, Delay: time.Second}
	busy := errors.New("profile still loaded")

	result := make(chan error, 1)
	go func() {
		result <- Do(context.Background(), fake, policy, func() (bool, error, error) {
			return false, busy, nil
		})
	}()

	for range 2 {
		fake.WaitForTimers(1)
		fake.Advance(policy.Delay)
	}

	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for Do")
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error %v does not wrap ErrExhausted", err)
	}
	if !errors.Is(err, busy) {
		t.Errorf("error %v does not wrap the transient error", err)
	}
}

func TestDoFatalStopsImmediately(t *testing.T) {
	fatal := errors.New("permission denied")
	calls := 0
	err := Do(context.Background(), clock.Real(), Policy{Attempts: 10, Delay: time.Hour}, func() (bool, error, error) {
		calls++
		return false, nil, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, clock.Real(), Policy{Attempts: 3, Delay: time.Hour}, func() (bool, error, error) {
		return false, nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do = %v, want context.Canceled", err)
	}
}

func TestPolicyBudget(t *testing.T) {
	policy := Policy{Attempts: 30, Delay: 200 * time.Millisecond}
	if got, want := policy.Budget(), 29*200*time.Millisecond; got != want {
		t.Errorf("Budget = %v, want %v", got, want)
	}
	if got := (Policy{Attempts: 1, Delay: time.Second}).Budget(); got != 0 {
		t.Errorf("single-attempt Budget = %v, want 0", got)
	}
}
