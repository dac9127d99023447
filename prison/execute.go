// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package prison

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"syscall"

	"github.com/bureau-foundation/prison/lib/executor"
	"github.com/bureau-foundation/prison/lib/launch"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/rules"
)

// Environment variables every prison process receives unless the
// caller overrides them.
const (
	EnvPrisonID = "PRISON_ID"
	EnvStation  = "PRISON_STATION"
	EnvDesktop  = "PRISON_DESKTOP"

	defaultPath  = "/usr/local/bin:/usr/bin:/bin"
	defaultShell = "/bin/sh"
)

// ExecuteOptions describe a process to run in a prison.
type ExecuteOptions struct {
	Filename string
	Args     []string

	// Dir is the working directory. Empty means the prison's home
	// path.
	Dir string

	// Env is merged over the default environment; entries here win.
	Env map[string]string

	// Stdin, Stdout and Stderr are passed to the process. Nil entries
	// read from or write to /dev/null.
	Stdin, Stdout, Stderr *os.File
}

// Execute starts a process in the locked-down prison. It runs as the
// prison's principal, is a member of the resource group and the guard
// group before it executes anything, and is running when Execute
// returns.
//
// A caller that cannot switch users goes through the executor relay.
// Without one, Execute fails with an *OSError carrying EPERM.
func (p *Prison) Execute(ctx context.Context, options ExecuteOptions) (*launch.Process, error) {
	if !p.Locked() {
		return nil, ErrNotLocked
	}
	if err := validateEnvironment(options.Env); err != nil {
		return nil, err
	}

	environment := p.environment
	var process *launch.Process
	if environment.canSwitch() {
		started, err := p.startSuspended(ctx, options)
		if err != nil {
			return nil, err
		}
		process = started
	} else {
		if environment.executor == nil {
			return nil, &OSError{
				Op:     "execute",
				Target: options.Filename,
				Code:   int(syscall.EPERM),
				Err:    fmt.Errorf("cannot switch to the prison user and no executor is configured: %w", syscall.EPERM),
			}
		}
		relayed, err := environment.executor.ExecuteProcess(ctx, executor.Request{
			PrisonID: p.ID().String(),
			Filename: options.Filename,
			Args:     options.Args,
			Dir:      options.Dir,
			Env:      options.Env,
			Stdin:    options.Stdin,
			Stdout:   options.Stdout,
			Stderr:   options.Stderr,
		})
		if err != nil {
			return nil, fmt.Errorf("relaying %s: %w", options.Filename, err)
		}
		process = relayed
	}

	if err := process.Resume(); err != nil {
		return nil, errors.Join(osError("resume", options.Filename, err), process.Kill())
	}
	environment.logger.Info("process started",
		"prison_id", p.ID(),
		"username", p.Username(),
		"pid", process.Pid(),
		"filename", options.Filename,
	)
	return process, nil
}

// startSuspended launches options as the principal and tags the
// process into the resource group and the guard group. The process is
// returned in launch.StateTagged.
func (p *Prison) startSuspended(ctx context.Context, options ExecuteOptions) (*launch.Process, error) {
	p.operation.Lock()
	defer p.operation.Unlock()

	if !p.Locked() {
		return nil, ErrNotLocked
	}
	if err := validateEnvironment(options.Env); err != nil {
		return nil, err
	}

	environment := p.environment
	p.mu.Lock()
	owner := p.principal
	p.mu.Unlock()
	if owner == nil {
		return nil, fmt.Errorf("prison %s has no principal", p.ID())
	}
	username := owner.Username()
	spec := p.Rules()

	credential, err := environment.principals.Credential(ctx, owner)
	if err != nil {
		return nil, osError("logon", username, err)
	}
	profile := p.profileDirectory()
	if !owner.ProfileLoaded() {
		if err := environment.principals.LoadProfile(ctx, owner, profile); err != nil {
			return nil, osError("load profile", profile, err)
		}
	}

	group, err := p.ensureGroup()
	if err != nil {
		return nil, err
	}

	variables := map[string]string{
		"HOME":      profile,
		"USER":      username,
		"LOGNAME":   username,
		"SHELL":     shellOf(credential),
		"PATH":      defaultPath,
		"TMPDIR":    profile,
		EnvPrisonID: p.ID().String(),
	}
	if err := p.ensureStation(ctx); err != nil {
		return nil, err
	}
	if desktop := p.DesktopName(); desktop != "" {
		variables[EnvDesktop] = desktop
		if environment.stations != nil {
			variables[EnvStation] = environment.stations.Handle(username).SocketPath()
		}
	}
	maps.Copy(variables, options.Env)

	dir := options.Dir
	if dir == "" {
		dir = spec.HomePath
	}

	if environment.guard != nil {
		if err := environment.guard.EnsureRunning(ctx, username, spec.MemoryLimitBytes); err != nil {
			return nil, fmt.Errorf("starting guard: %w", err)
		}
	}
	tags := []launch.TagFunc{}
	if environment.guard != nil {
		tags = append(tags, func(pid int) error {
			return environment.guard.AddProcess(username, pid)
		})
	}

	process, err := environment.launcher.Start(ctx, launch.Spec{
		Filename: options.Filename,
		Args:     options.Args,
		Dir:      dir,
		Env:      flatten(variables),
		Stdin:    options.Stdin,
		Stdout:   options.Stdout,
		Stderr:   options.Stderr,
		Credential: &syscall.Credential{
			Uid:    credential.UID,
			Gid:    credential.GID,
			Groups: credential.Groups,
		},
	}, group.AddProcess, tags...)
	if err != nil {
		return nil, osError("launch", options.Filename, err)
	}
	return process, nil
}

// ensureGroup returns the prison's resource group, creating it again
// when the last handle to it was closed by an earlier process.
func (p *Prison) ensureGroup() (resgroup.Group, error) {
	if group := p.Group(); group != nil {
		return group, nil
	}
	groups := p.environment.groups
	name := resgroup.GroupName(p.Username())
	group, err := groups.Create(name)
	if errors.Is(err, resgroup.ErrGroupExists) {
		group, err = groups.Open(name)
	}
	if err != nil {
		return nil, osError("create resource group", name, err)
	}
	if err := applyLimits(group, p.Rules()); err != nil {
		group.Close()
		return nil, osError("set limits", name, err)
	}
	p.mu.Lock()
	p.group = group
	p.mu.Unlock()
	p.environment.logger.Info("resource group re-created", "prison_id", p.ID(), "group", name)
	return group, nil
}

// ensureStation applies the station cell on the first launch and
// persists the desktop name it chose.
func (p *Prison) ensureStation(ctx context.Context) error {
	p.mu.Lock()
	applied := p.stationApplied
	p.mu.Unlock()
	if applied || !p.Rules().Cells.Enabled(rules.Station) {
		return nil
	}
	stationCell, ok := p.environment.registry.Get(rules.Station)
	if !ok {
		return nil
	}
	if err := stationCell.Apply(ctx, p); err != nil {
		return fmt.Errorf("applying %s cell: %w", rules.Station, err)
	}
	p.mu.Lock()
	p.stationApplied = true
	p.mu.Unlock()
	return p.save()
}

func shellOf(credential principal.Credential) string {
	if credential.Shell == "" {
		return defaultShell
	}
	return credential.Shell
}

// validateEnvironment rejects names the kernel's NAME=value encoding
// cannot carry.
func validateEnvironment(variables map[string]string) error {
	for name, value := range variables {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return fmt.Errorf("%w: name %q", ErrInvalidEnvironment, name)
		}
		if strings.ContainsRune(value, 0) {
			return fmt.Errorf("%w: value of %s contains NUL", ErrInvalidEnvironment, name)
		}
	}
	return nil
}

func flatten(variables map[string]string) []string {
	flat := make([]string, 0, len(variables))
	for _, name := range slices.Sorted(maps.Keys(variables)) {
		flat = append(flat, name+"="+variables[name])
	}
	return flat
}
