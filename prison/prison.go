// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package prison

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/record"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/rules"
)

// ProfileDirectory is the principal's profile directory under the
// prison's home path.
const ProfileDirectory = "profile"

// Prison is one sandbox. It implements cell.Context for the cells it
// applies.
type Prison struct {
	environment *Environment

	// operation serializes Lockdown, Execute, Reattach and Destroy. mu
	// guards the fields below and is never held while a cell runs.
	operation sync.Mutex

	mu             sync.Mutex
	record         record.Record
	principal      *principal.Principal
	group          resgroup.Group
	enabled        []cell.Cell
	stationApplied bool
}

// ID implements cell.Context.
func (p *Prison) ID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.ID
}

// Tag returns the tag given at creation.
func (p *Prison) Tag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Tag
}

// CreatedAt returns when the prison was created.
func (p *Prison) CreatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.CreatedAt
}

// Username implements cell.Context. It is empty before lockdown.
func (p *Prison) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Username
}

// Rules implements cell.Context.
func (p *Prison) Rules() rules.Specification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Rules
}

// Group implements cell.Context.
func (p *Prison) Group() resgroup.Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

// DesktopName implements cell.Context.
func (p *Prison) DesktopName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.DesktopName
}

// SetDesktopName implements cell.Context.
func (p *Prison) SetDesktopName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.DesktopName = name
}

// Locked reports whether the prison is locked down.
func (p *Prison) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Locked
}

// Record returns a copy of the prison's persisted state.
func (p *Prison) Record() record.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

// Counters samples the resource group's usage counters.
func (p *Prison) Counters() (resgroup.Counters, error) {
	group := p.Group()
	if group == nil {
		return resgroup.Counters{}, fmt.Errorf("prison %s has no resource group", p.ID())
	}
	return group.Counters()
}

func (p *Prison) profileDirectory() string {
	return filepath.Join(p.Rules().HomePath, ProfileDirectory)
}

func (p *Prison) save() error {
	saved := p.Record()
	if err := p.environment.records.Save(saved); err != nil {
		return osError("save record", saved.ID.String(), err)
	}
	return nil
}

// Lockdown provisions the prison under spec: a principal, its resource
// group, and every enabled cell except the station, which is applied on
// the first Execute. If any step fails, what was done is undone and the
// prison stays unlocked.
func (p *Prison) Lockdown(ctx context.Context, spec rules.Specification) error {
	p.operation.Lock()
	defer p.operation.Unlock()

	if p.Locked() {
		return ErrAlreadyLocked
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("prison rules: %w", err)
	}
	if spec.HomePath == "" {
		return errors.New("prison rules: home_path is required")
	}
	if err := os.MkdirAll(spec.HomePath, 0o755); err != nil {
		return osError("mkdir", spec.HomePath, err)
	}

	environment := p.environment
	logger := environment.logger.With("prison_id", p.ID())

	p.mu.Lock()
	p.record.Rules = spec
	p.enabled = environment.registry.Enabled(spec.Cells)
	p.mu.Unlock()

	undo := &rollback{}
	if err := p.lockdown(ctx, spec, undo); err != nil {
		rollbackErr := undo.run()
		p.mu.Lock()
		p.record.Rules = rules.Specification{}
		p.record.Username = ""
		p.record.DesktopName = ""
		p.enabled = nil
		p.group = nil
		p.principal = nil
		p.mu.Unlock()
		logger.Error("lockdown failed; rolled back", "error", err, "rollback_error", rollbackErr)
		return errors.Join(err, rollbackErr)
	}

	logger.Info("prison locked down",
		"username", p.Username(),
		"cells", spec.Cells.String(),
	)
	return nil
}

func (p *Prison) lockdown(ctx context.Context, spec rules.Specification, undo *rollback) error {
	environment := p.environment
	profile := p.profileDirectory()

	created, err := environment.principals.New(p.Tag())
	if err != nil {
		return err
	}
	if err := environment.principals.Create(ctx, created, profile); err != nil {
		created.Close()
		return osError("create principal", created.Username(), err)
	}
	undo.add(func() error {
		return errors.Join(environment.principals.Delete(context.WithoutCancel(ctx), created), created.Close())
	})
	p.mu.Lock()
	p.principal = created
	p.record.Username = created.Username()
	p.mu.Unlock()

	name := resgroup.GroupName(created.Username())
	group, err := environment.groups.Create(name)
	if err != nil {
		return osError("create resource group", name, err)
	}
	undo.add(func() error {
		return errors.Join(group.TerminateAll(KilledExitCode), group.Close())
	})
	if err := applyLimits(group, spec); err != nil {
		return osError("set limits", name, err)
	}
	p.mu.Lock()
	p.group = group
	enabled := p.enabled
	p.mu.Unlock()

	for _, c := range enabled {
		if c.Kind() == rules.Station {
			continue
		}
		if err := c.Apply(ctx, p); err != nil {
			return fmt.Errorf("applying %s cell: %w", c.Kind(), err)
		}
		undo.add(func() error { return c.Destroy(context.WithoutCancel(ctx), p) })
	}

	if err := environment.principals.LoadProfile(ctx, created, profile); err != nil {
		return osError("load profile", profile, err)
	}
	undo.add(func() error { return environment.principals.DeleteProfile(created, profile) })

	p.mu.Lock()
	p.record.Locked = true
	p.mu.Unlock()
	if err := p.save(); err != nil {
		p.mu.Lock()
		p.record.Locked = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// applyLimits sets the limits spec asks for. Zero means no limit, so
// zero values are left alone.
func applyLimits(group resgroup.Group, spec rules.Specification) error {
	limits := []struct {
		kind  resgroup.LimitKind
		value int64
	}{
		{resgroup.LimitCPUPercent, spec.CPUPercentLimit},
		{resgroup.LimitMemoryBytes, spec.MemoryLimitBytes},
		{resgroup.LimitActiveProcesses, int64(spec.ActiveProcessLimit)},
	}
	for _, limit := range limits {
		if limit.value == 0 {
			continue
		}
		if err := group.SetLimit(limit.kind, limit.value); err != nil {
			return fmt.Errorf("%s: %w", limit.kind, err)
		}
	}
	if spec.Priority != nil {
		if err := group.SetLimit(resgroup.LimitPriority, int64(spec.Priority.Nice())); err != nil {
			return fmt.Errorf("%s: %w", resgroup.LimitPriority, err)
		}
	}
	return nil
}

// rollback collects undo steps and runs them newest first.
type rollback struct {
	steps []func() error
}

func (r *rollback) add(step func() error) {
	r.steps = append(r.steps, step)
}

func (r *rollback) run() error {
	var errs []error
	for _, step := range slices.Backward(r.steps) {
		errs = append(errs, step())
	}
	return errors.Join(errs...)
}

// Reattach rebuilds in-process handles for a prison loaded from its
// record: it opens the resource group and lets every enabled cell
// recover. Nothing durable changes and the record is not rewritten.
func (p *Prison) Reattach(ctx context.Context) error {
	p.operation.Lock()
	defer p.operation.Unlock()

	environment := p.environment
	username := p.Username()
	logger := environment.logger.With("prison_id", p.ID(), "username", username)

	var group resgroup.Group
	if username != "" {
		name := resgroup.GroupName(username)
		opened, err := environment.groups.Open(name)
		switch {
		case err == nil:
			group = opened
		case errors.Is(err, resgroup.ErrGroupNotFound):
			logger.Warn("resource group is gone; continuing without it", "group", name)
		default:
			return osError("open resource group", name, err)
		}
	}

	saved := p.Record()
	enabled := environment.registry.Enabled(saved.Rules.Cells)
	p.mu.Lock()
	if p.group != nil && p.group != group {
		p.group.Close()
	}
	p.group = group
	p.enabled = enabled
	p.stationApplied = saved.DesktopName != ""
	p.mu.Unlock()

	var errs []error
	for _, c := range enabled {
		if err := c.Recover(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("recovering %s cell: %w", c.Kind(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Debug("prison reattached", "cells", saved.Rules.Cells.String())
	return nil
}

// KilledExitCode is the exit status given to processes still running
// when their prison is destroyed or its lockdown is rolled back.
const KilledExitCode = -1

// Destroy removes everything the prison created: cell state, the
// resource group and its processes, the guard, the profile, the
// principal with its credential and quota entries, and the record.
// Every step runs even if an earlier one fails; the failures are
// returned joined. The prison is unlocked afterwards either way.
func (p *Prison) Destroy(ctx context.Context) error {
	p.operation.Lock()
	defer p.operation.Unlock()

	if !p.Locked() {
		return ErrNotLocked
	}

	environment := p.environment
	saved := p.Record()
	username := saved.Username
	logger := environment.logger.With("prison_id", saved.ID, "username", username)

	p.mu.Lock()
	enabled := p.enabled
	group := p.group
	owner := p.principal
	p.mu.Unlock()

	var errs []error
	for _, c := range slices.Backward(enabled) {
		if err := c.Destroy(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("destroying %s cell: %w", c.Kind(), err))
		}
	}

	if group != nil {
		if err := group.TerminateAll(KilledExitCode); err != nil {
			errs = append(errs, osError("terminate", group.Name(), err))
		}
		if err := group.Close(); err != nil {
			errs = append(errs, osError("close resource group", group.Name(), err))
		}
	}

	if environment.guard != nil && username != "" {
		if err := environment.guard.Discharge(ctx, username); err != nil {
			errs = append(errs, fmt.Errorf("discharging guard of %s: %w", username, err))
		}
	}

	if owner != nil {
		profile := p.profileDirectory()
		if err := environment.principals.UnloadProfile(ctx, owner); err != nil {
			errs = append(errs, osError("unload profile", username, err))
		}
		if err := environment.principals.DeleteProfile(owner, profile); err != nil {
			errs = append(errs, osError("delete profile", profile, err))
		}
		if err := environment.principals.Delete(ctx, owner); err != nil && !errors.Is(err, principal.ErrUserNotFound) {
			errs = append(errs, osError("delete principal", username, err))
		}
		owner.Close()
	}

	if environment.quota != nil && username != "" {
		if err := environment.quota.Clear(ctx, username); err != nil {
			errs = append(errs, osError("clear quota", username, err))
		}
	}

	if err := environment.records.Delete(saved.ID); err != nil {
		errs = append(errs, osError("delete record", saved.ID.String(), err))
	}

	p.mu.Lock()
	p.record.Locked = false
	p.group = nil
	p.principal = nil
	p.enabled = nil
	p.stationApplied = false
	p.mu.Unlock()
	environment.forget(saved.ID)

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("prison destroyed with errors", "error", err)
	} else {
		logger.Info("prison destroyed")
	}
	return err
}

// release drops the in-process handles without touching OS state.
func (p *Prison) release() error {
	p.mu.Lock()
	group := p.group
	owner := p.principal
	p.group = nil
	p.mu.Unlock()

	var errs []error
	if group != nil {
		errs = append(errs, group.Close())
	}
	if owner != nil {
		errs = append(errs, owner.Close())
	}
	return errors.Join(errs...)
}
