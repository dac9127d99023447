// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostcmd

import (
	"context"
	"strings"
	"sync"
)

// Recorder is a scripted Runner for tests. It records every command
// and answers from the first registered response whose prefix matches
// the command line. Unmatched commands succeed with empty output.
type Recorder struct {
	mu        sync.Mutex
	commands  []Command
	responses []response
}

type response struct {
	prefix  string
	respond func(Command) (Result, error)
}

// Respond registers a canned result for command lines starting with
// prefix.
func (r *Recorder) Respond(prefix string, stdout string, err error) {
	r.RespondFunc(prefix, func(Command) (Result, error) {
		return Result{Stdout: []byte(stdout)}, err
	})
}

// Fail registers an exit failure for command lines starting with
// prefix.
func (r *Recorder) Fail(prefix string, code int, stderr string) {
	r.RespondFunc(prefix, func(command Command) (Result, error) {
		return Result{Stderr: []byte(stderr)}, &ExitError{Command: command.String(), Code: code, Stderr: stderr}
	})
}

// RespondFunc registers a computed response for command lines
// starting with prefix. Later registrations take precedence.
func (r *Recorder) RespondFunc(prefix string, respond func(Command) (Result, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append([]response{{prefix: prefix, respond: respond}}, r.responses...)
}

// Run records command and returns the scripted response.
func (r *Recorder) Run(_ context.Context, command Command) (Result, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	line := command.String()
	var respond func(Command) (Result, error)
	for _, candidate := range r.responses {
		if strings.HasPrefix(line, candidate.prefix) {
			respond = candidate.respond
			break
		}
	}
	r.mu.Unlock()

	if respond == nil {
		return Result{}, nil
	}
	return respond(command)
}

// Commands returns a copy of every recorded command.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Lines returns the recorded command lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.commands))
	for index, command := range r.commands {
		lines[index] = command.String()
	}
	return lines
}

// Matching returns the recorded command lines that start with prefix.
func (r *Recorder) Matching(prefix string) []string {
	var matched []string
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			matched = append(matched, line)
		}
	}
	return matched
}

// Reset forgets recorded commands but keeps the scripted responses.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
