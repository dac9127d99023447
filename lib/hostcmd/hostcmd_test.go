// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostcmd

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestExecCapturesOutputAndExitStatus(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	runner := Exec{}

	result, err := runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "cat; echo done"}, Stdin: []byte("input\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(result.Stdout); got != "input\ndone\n" {
		t.Errorf("stdout = %q", got)
	}

	_, err = runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo 'user does not exist' >&2; exit 6"}})
	code, ok := ExitCode(err)
	if !ok || code != 6 {
		t.Fatalf("ExitCode(%v) = %d, %v; want 6, true", err, code, ok)
	}
	if !StderrContains(err, "does not exist") {
		t.Errorf("StderrContains did not match %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 6") {
		t.Errorf("error = %q, want exit status in message", err)
	}
}

func TestRecorderPrefixMatching(t *testing.T) {
	var recorder Recorder
	recorder.Respond("getent passwd", "prison_ab_x:x:1001:1001::/home:/bin/false\n", nil)
	recorder.Fail("userdel prison_gone", 6, "userdel: user 'prison_gone' does not exist")

	result, err := recorder.Run(context.Background(), Command{Name: "getent", Args: []string{"passwd"}})
	if err != nil || !strings.HasPrefix(string(result.Stdout), "prison_ab_x") {
		t.Fatalf("getent = %q, %v", result.Stdout, err)
	}

	_, err = recorder.Run(context.Background(), Command{Name: "userdel", Args: []string{"prison_gone"}})
	if code, _ := ExitCode(err); code != 6 {
		t.Errorf("userdel exit = %d, want 6", code)
	}

	if _, err := recorder.Run(context.Background(), Command{Name: "true"}); err != nil {
		t.Errorf("unmatched command failed: %v", err)
	}

	want := []string{"getent passwd", "userdel prison_gone", "true"}
	got := recorder.Lines()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Lines = %q, want %q", got, want)
	}
	if matched := recorder.Matching("userdel"); len(matched) != 1 {
		t.Errorf("Matching(userdel) = %q", matched)
	}
}

func TestRecorderLaterResponseWins(t *testing.T) {
	var recorder Recorder
	recorder.Respond("id", "first", nil)
	recorder.Respond("id", "second", nil)

	result, _ := recorder.Run(context.Background(), Command{Name: "id"})
	if string(result.Stdout) != "second" {
		t.Errorf("stdout = %q, want second", result.Stdout)
	}
}
