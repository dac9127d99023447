// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "prison",
		Subcommands: []*Command{
			{
				Name: "list",
				Run: func(context.Context, []string) error {
					called = "list"
					return nil
				},
			},
			{
				Name: "destroy",
				Run: func(context.Context, []string) error {
					called = "destroy"
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"destroy"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "destroy" {
		t.Errorf("dispatched to %q, want %q", called, "destroy")
	}
}

func TestCommand_Execute_PassesArgumentsAfterDoubleDash(t *testing.T) {
	var tag string
	var received []string

	command := &Command{
		Name: "run",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVar(&tag, "dir", "", "working directory")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			received = args
			return nil
		},
	}

	args := []string{"--dir", "/srv/app", "3f0c", "--", "/bin/ls", "-l", "--color"}
	if err := command.Execute(context.Background(), args); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if tag != "/srv/app" {
		t.Errorf("--dir = %q", tag)
	}
	want := []string{"3f0c", "/bin/ls", "-l", "--color"}
	if strings.Join(received, " ") != strings.Join(want, " ") {
		t.Errorf("args = %q, want %q", received, want)
	}
}

func TestCommand_Execute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name:        "prison",
		Subcommands: []*Command{{Name: "lockdown", Run: func(context.Context, []string) error { return nil }}},
	}

	err := root.Execute(context.Background(), []string{"lockdwon"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "lockdown"`) {
		t.Errorf("error = %v, want a lockdown suggestion", err)
	}
}

func TestCommand_Execute_UnknownFlagSuggests(t *testing.T) {
	var orphaned bool
	command := &Command{
		Name: "list",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.BoolVar(&orphaned, "orphaned", false, "only orphans")
			return flagSet
		},
		Run: func(context.Context, []string) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--orphand"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --orphaned") {
		t.Errorf("error = %v, want an --orphaned suggestion", err)
	}
}

func TestCommand_Execute_HelpGoesToOutput(t *testing.T) {
	var output bytes.Buffer
	root := &Command{
		Name:    "prison",
		Summary: "Run untrusted programs in prisons",
		Output:  &output,
		Subcommands: []*Command{
			{Name: "create", Summary: "Create a prison", Run: func(context.Context, []string) error { return nil }},
		},
		Examples: []Example{{Description: "Create one", Command: "prison create --tag web"}},
	}

	if err := root.Execute(context.Background(), []string{"--help"}); err != nil {
		t.Fatalf("Execute(--help) error: %v", err)
	}
	help := output.String()
	for _, want := range []string{"Run untrusted programs", "create", "Create a prison", "# Create one", "prison create --tag web"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output lacks %q:\n%s", want, help)
		}
	}
}

func TestCommand_Execute_SubcommandRequired(t *testing.T) {
	var output bytes.Buffer
	root := &Command{
		Name:        "prison",
		Output:      &output,
		Subcommands: []*Command{{Name: "list", Run: func(context.Context, []string) error { return nil }}},
	}
	if err := root.Execute(context.Background(), nil); err == nil {
		t.Error("Execute with no args succeeded")
	}
}

func TestTableAlignsColumns(t *testing.T) {
	table := NewTable("Full Username", "Prefix")
	table.Add("prison_web_k2j9x0q", "web")
	table.Add("prison_a8c0d1e")

	var output bytes.Buffer
	if err := table.Write(&output); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lines := strings.Split(strings.TrimRight(output.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), output.String())
	}
	if !strings.HasPrefix(lines[1], "-------------") {
		t.Errorf("rule line = %q", lines[1])
	}
	column := strings.Index(lines[0], "Prefix")
	if strings.LastIndex(lines[2], "web") != column {
		t.Errorf("prefix column misaligned:\n%s", output.String())
	}
}
