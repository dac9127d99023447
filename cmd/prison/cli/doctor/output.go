// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package doctor

import (
	"fmt"
	"io"
	"strings"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
)

// PrintChecklist prints results as a checklist. Fixes skipped for lack
// of root are listed at the bottom with the command to re-run. It
// returns a *cli.ExitError with code 1 if any check failed.
func PrintChecklist(w io.Writer, results []Result, fixMode, dryRun bool, outcome Outcome) error {
	anyFailed := false
	fixableCount := 0
	fixedCount := 0
	var elevatedHints []string

	for _, result := range results {
		prefix := strings.ToUpper(string(result.Status))
		fmt.Fprintf(w, "[%-5s]  %-32s  %s\n", prefix, result.Name, result.Message)

		switch result.Status {
		case StatusFail:
			anyFailed = true
			if result.FixHint == "" {
				continue
			}
			fixableCount++
			if dryRun {
				note := ""
				if result.Elevated {
					note = " (requires sudo)"
				}
				fmt.Fprintf(w, "         %-32s  would fix: %s%s\n", "", result.FixHint, note)
			}
			if result.Elevated {
				elevatedHints = append(elevatedHints, result.FixHint)
			}
		case StatusFixed:
			fixedCount++
		}
	}
	fmt.Fprintln(w)

	if anyFailed {
		switch {
		case dryRun && fixableCount > 0:
			fmt.Fprintf(w, "%d issue(s) would be repaired. Run without --dry-run to apply.\n", fixableCount)
		case !fixMode && fixableCount > 0:
			fmt.Fprintf(w, "Run with --fix to repair %d issue(s).\n", fixableCount)
		default:
			fmt.Fprintln(w, "Some checks failed.")
		}
		if outcome.PermissionDenied {
			fmt.Fprintln(w, "\nSome fixes failed due to insufficient permissions.")
		}
		if outcome.ElevatedSkipped > 0 {
			fmt.Fprintf(w, "\n%d fix(es) require root privileges:\n", outcome.ElevatedSkipped)
			for _, hint := range elevatedHints {
				fmt.Fprintf(w, "  - %s\n", hint)
			}
			fmt.Fprintln(w, "\nRe-run with sudo to apply these fixes:")
			fmt.Fprintln(w, "  sudo prison doctor --fix")
		}
		return &cli.ExitError{Code: 1}
	}

	if fixedCount > 0 {
		fmt.Fprintf(w, "%d issue(s) repaired.\n", fixedCount)
		return nil
	}
	fmt.Fprintln(w, "All checks passed.")
	return nil
}
