// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// IsRoot reports whether the process has effective uid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// ExecuteFixes runs the fix of every fixable failure and updates the
// results in place. In dry-run mode nothing runs. Elevated fixes are
// skipped unless root is true.
func ExecuteFixes(ctx context.Context, results []Result, dryRun, root bool) Outcome {
	if dryRun {
		return Outcome{}
	}

	var outcome Outcome
	for i := range results {
		if results[i].Status != StatusFail || results[i].fix == nil {
			continue
		}
		if results[i].Elevated && !root {
			outcome.ElevatedSkipped++
			continue
		}
		if err := results[i].fix(ctx); err != nil {
			if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
				outcome.PermissionDenied = true
				results[i].Message = fmt.Sprintf("%s (insufficient permissions)", results[i].Message)
			} else {
				results[i].Message = fmt.Sprintf("%s (fix failed: %v)", results[i].Message, err)
			}
			continue
		}
		results[i].Status = StatusFixed
		outcome.FixedCount++
	}
	return outcome
}

// BuildJSON builds the --json output from results and the fix outcome.
func BuildJSON(results []Result, dryRun bool, outcome Outcome) JSONOutput {
	ok := true
	for _, result := range results {
		if result.Status == StatusFail {
			ok = false
			break
		}
	}
	return JSONOutput{
		Checks:           results,
		OK:               ok,
		DryRun:           dryRun,
		PermissionDenied: outcome.PermissionDenied,
		ElevatedSkipped:  outcome.ElevatedSkipped,
	}
}
