// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry runs bounded polling loops: a fixed number of attempts
// separated by a fixed delay, then a terminal error. Every wait on the
// operating system in the prison runtime goes through [Do], so no
// lifecycle step can block forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/prison/lib/clock"
)

// ErrExhausted is wrapped by the error Do returns when every attempt
// reported "not done yet".
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a polling loop. The yaml tags let policies be set from
// the retry section of the configuration file.
type Policy struct {
	// Attempts is the maximum number of times the operation runs.
	// Values below 1 are treated as 1.
	Attempts int `yaml:"attempts"`

	// Delay is the pause between attempts.
	Delay time.Duration `yaml:"delay"`
}

// String renders the policy as "30x200ms".
func (p Policy) String() string {
	return fmt.Sprintf("%dx%s", p.Attempts, p.Delay)
}

// Budget is the longest Do can wait under this policy, excluding the
// time spent inside the operation itself.
func (p Policy) Budget() time.Duration {
	if p.Attempts <= 1 {
		return 0
	}
	return time.Duration(p.Attempts-1) * p.Delay
}

// Do calls op until it reports done, returns an error, or the policy
// runs out. A non-nil error from op stops the loop immediately and is
// returned as-is. When attempts run out the result wraps ErrExhausted,
// and also wraps the last transient error op reported through lastErr
// if there was one.
//
// op returns (done, lastErr, err): done ends the loop successfully;
// lastErr is a transient condition recorded for the final message; err
// is fatal.
func Do(ctx context.Context, source clock.Clock, policy Policy, op func() (done bool, lastErr error, err error)) error {
	attempts := max(policy.Attempts, 1)

	var transient error
	for attempt := 1; ; attempt++ {
		done, lastErr, err := op()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		transient = lastErr
		if attempt >= attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-source.After(policy.Delay):
		}
	}

	if transient != nil {
		return fmt.Errorf("%w after %s: %w", ErrExhausted, policy, transient)
	}
	return fmt.Errorf("%w after %s", ErrExhausted, policy)
}
