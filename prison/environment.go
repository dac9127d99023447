// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package prison

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/cells"
	"github.com/bureau-foundation/prison/lib/acl"
	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/config"
	"github.com/bureau-foundation/prison/lib/executor"
	"github.com/bureau-foundation/prison/lib/guard"
	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/kvstore"
	"github.com/bureau-foundation/prison/lib/launch"
	"github.com/bureau-foundation/prison/lib/netshape"
	"github.com/bureau-foundation/prison/lib/principal"
	"github.com/bureau-foundation/prison/lib/procfs"
	"github.com/bureau-foundation/prison/lib/quota"
	"github.com/bureau-foundation/prison/lib/record"
	"github.com/bureau-foundation/prison/lib/resgroup"
	"github.com/bureau-foundation/prison/lib/rules"
	"github.com/bureau-foundation/prison/lib/station"
	"github.com/bureau-foundation/prison/lib/urlacl"
)

// Launcher starts a suspended process and runs the tag functions
// before returning it in launch.StateTagged. *launch.Launcher
// implements it.
type Launcher interface {
	Start(ctx context.Context, spec launch.Spec, tag launch.TagFunc, more ...launch.TagFunc) (*launch.Process, error)
}

// Guard runs the per-principal watcher that enforces the memory quota
// and kills stragglers when a prison goes away. *guard.Controller
// implements it.
type Guard interface {
	EnsureRunning(ctx context.Context, username string, memoryQuota int64) error
	AddProcess(username string, pid int) error
	Discharge(ctx context.Context, username string) error
}

// Executor relays launches to a privileged process. *executor.Client
// implements it.
type Executor interface {
	ExecuteProcess(ctx context.Context, request executor.Request) (*launch.Process, error)
}

// Options are the collaborators of an Environment. Records, Principals,
// Groups, Registry and Launcher are required.
type Options struct {
	Records    *record.Store
	Principals *principal.Manager
	Groups     resgroup.Manager
	Registry   *cells.Registry

	// Quota clears per-principal quota entries on destroy. Nil skips
	// that step.
	Quota quota.Manager

	Launcher Launcher

	// Guard is optional. Without one, processes are only tagged into
	// the resource group.
	Guard Guard

	// Executor is the relay used when CanSwitchUser reports false. Nil
	// makes Execute fail with EPERM in that case.
	Executor Executor

	// Stations, when set, is reported by Environment.Stations for the
	// CLI.
	Stations *station.Manager

	// CanSwitchUser decides between the local and the relay launch
	// path. Nil means the package's CanSwitchUser.
	CanSwitchUser func() bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Environment owns everything prisons share: the record store, the
// principal and group managers, the cell registry and the launch path.
type Environment struct {
	records    *record.Store
	principals *principal.Manager
	groups     resgroup.Manager
	registry   *cells.Registry
	quota      quota.Manager
	launcher   Launcher
	guard      Guard
	executor   Executor
	stations   *station.Manager
	canSwitch  func() bool
	clock      clock.Clock
	logger     *slog.Logger

	closers []io.Closer

	mu       sync.Mutex
	attached map[uuid.UUID]*Prison
	leases   map[uuid.UUID]*lease
}

// lease is a prison attached for relayed launches. It stays attached
// while any process started through it is alive.
type lease struct {
	prison *Prison
	uses   int
	closed bool
}

// NewEnvironmentWith builds an Environment from explicit collaborators.
func NewEnvironmentWith(options Options) (*Environment, error) {
	var missing []string
	if options.Records == nil {
		missing = append(missing, "Records")
	}
	if options.Principals == nil {
		missing = append(missing, "Principals")
	}
	if options.Groups == nil {
		missing = append(missing, "Groups")
	}
	if options.Registry == nil {
		missing = append(missing, "Registry")
	}
	if options.Launcher == nil {
		missing = append(missing, "Launcher")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("prison environment: missing %v", missing)
	}

	environment := &Environment{
		records:    options.Records,
		principals: options.Principals,
		groups:     options.Groups,
		registry:   options.Registry,
		quota:      options.Quota,
		launcher:   options.Launcher,
		guard:      options.Guard,
		executor:   options.Executor,
		stations:   options.Stations,
		canSwitch:  options.CanSwitchUser,
		clock:      options.Clock,
		logger:     options.Logger,
		attached:   make(map[uuid.UUID]*Prison),
		leases:     make(map[uuid.UUID]*lease),
	}
	if environment.canSwitch == nil {
		environment.canSwitch = CanSwitchUser
	}
	if environment.clock == nil {
		environment.clock = clock.Real()
	}
	if environment.logger == nil {
		environment.logger = slog.New(slog.DiscardHandler)
	}
	return environment, nil
}

// NewEnvironment builds the Linux bindings described by cfg. The
// returned Environment holds the database open; call Close when done.
func NewEnvironment(cfg *config.Config, logger *slog.Logger) (*Environment, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	database, err := kvstore.OpenSQLite(cfg.Paths.Database, logger.With("component", "kvstore"))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Paths.Database, err)
	}
	closers := []io.Closer{database}
	fail := func(err error) (*Environment, error) {
		for _, closer := range closers {
			closer.Close()
		}
		return nil, err
	}

	var credentials kvstore.Store = database
	if cfg.Credentials.Backend == config.CredentialsKeyring {
		credentials = kvstore.Keyring{ServicePrefix: cfg.Credentials.KeyringService}
	}

	source := clock.Real()
	runner := &hostcmd.Exec{Logger: logger.With("component", "hostcmd")}
	accounts := &principal.ShadowAccounts{Runner: runner}

	principals := &principal.Manager{
		Accounts:      accounts,
		Store:         credentials,
		Clock:         source,
		Proc:          procfs.Default,
		Logger:        logger.With("component", "principal"),
		UserDelete:    cfg.Retry.UserDelete,
		ProfileUnload: cfg.Retry.ProfileUnload,
	}

	tracked := &resgroup.TrackedManager{
		Directory: cfg.GroupDirectory(),
		Proc:      procfs.Default,
		Logger:    logger.With("component", "resgroup"),
	}
	var groups resgroup.Manager = tracked
	if cfg.UseCgroups() {
		groups = &resgroup.CgroupManager{
			Root:          cfg.Paths.CgroupRoot,
			Slice:         cfg.ResourceGroups.Slice,
			LockDirectory: cfg.GroupDirectory(),
			NumCPU:        runtime.NumCPU(),
			Clock:         source,
			Logger:        logger.With("component", "resgroup"),
		}
	}

	guardBinary, err := cfg.BinaryPath(cfg.Guard.Binary)
	if err != nil {
		logger.Warn("guard binary not found; prisons run without a guard", "error", err)
	}
	var guardian Guard
	if guardBinary != "" {
		guardian = &guard.Controller{
			Binary:       guardBinary,
			Directory:    cfg.GuardDirectory(),
			Groups:       tracked,
			Clock:        source,
			PollInterval: cfg.Guard.PollInterval,
			StartPolicy:  cfg.Retry.GuardStart,
			Logger:       logger.With("component", "guard"),
		}
	}

	quotas := &quota.Tools{
		Runner:     runner,
		Clock:      source,
		InitPolicy: cfg.Retry.QuotaInit,
		Logger:     logger.With("component", "quota"),
	}
	stations := &station.Manager{
		Directory: cfg.StationDirectory(),
		Runner:    runner,
		Logger:    logger.With("component", "station"),
	}

	var shaper *netshape.Shaper
	if cfg.Network.Interface != "" {
		shaper = &netshape.Shaper{
			TC:          netshape.Netlink{Interface: cfg.Network.Interface},
			Runner:      runner,
			Store:       database,
			LinkRateBPS: cfg.Network.LinkRateBPS,
			Logger:      logger.With("component", "netshape"),
		}
	}

	registry := cells.NewRegistry(cells.Dependencies{
		Accounts:        accounts,
		Quota:           quotas,
		ACL:             &acl.Tools{Runner: runner, Logger: logger.With("component", "acl")},
		URLACL:          &urlacl.IPTables{Runner: runner, Logger: logger.With("component", "urlacl")},
		Stations:        stations,
		Shaper:          shaper,
		DefaultRateBPS:  cfg.Network.DefaultRateBPS,
		FilesystemGroup: cfg.Filesystem.Group,
		ProbeRoots:      cfg.Filesystem.ProbeRoots,
		WebGroup:        cfg.WebGroup.Name,
		Logger:          logger,
	})

	var relay Executor
	if cfg.Executor.Socket != "" {
		relay = &executor.Client{SocketPath: cfg.Executor.Socket}
	}

	environment, err := NewEnvironmentWith(Options{
		Records:    record.NewStore(cfg.RecordDirectory()),
		Principals: principals,
		Groups:     groups,
		Registry:   registry,
		Quota:      quotas,
		Launcher:   &launch.Launcher{Logger: logger.With("component", "launch")},
		Guard:      guardian,
		Executor:   relay,
		Stations:   stations,
		Clock:      source,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}
	environment.closers = closers
	return environment, nil
}

// Close releases the handles of attached prisons and the database.
func (e *Environment) Close() error {
	e.mu.Lock()
	attached := e.attached
	e.attached = make(map[uuid.UUID]*Prison)
	leases := e.leases
	e.leases = make(map[uuid.UUID]*lease)
	for _, held := range leases {
		held.closed = true
	}
	e.mu.Unlock()

	var errs []error
	for _, prison := range attached {
		errs = append(errs, prison.release())
	}
	for _, held := range leases {
		errs = append(errs, held.prison.release())
	}
	for _, closer := range e.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// Registry returns the cell registry.
func (e *Environment) Registry() *cells.Registry { return e.registry }

// Principals returns the principal manager.
func (e *Environment) Principals() *principal.Manager { return e.principals }

// Stations returns the station manager, or nil when none was given.
func (e *Environment) Stations() *station.Manager { return e.stations }

// New creates a prison and persists its record immediately, so it is
// listed before it is locked down.
func (e *Environment) New(ctx context.Context, tag string) (*Prison, error) {
	if err := principal.ValidatePrefix(tag); err != nil {
		return nil, fmt.Errorf("prison tag: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating prison id: %w", err)
	}
	prison := &Prison{
		environment: e,
		record: record.Record{
			ID:        id,
			Tag:       tag,
			CreatedAt: e.clock.Now().UTC(),
		},
	}
	if err := e.records.Save(prison.record); err != nil {
		return nil, osError("save record", id.String(), err)
	}
	e.logger.Info("prison created", "prison_id", id, "tag", tag)
	return prison, nil
}

// Load rebuilds a prison from its record without reattaching it.
func (e *Environment) Load(id uuid.UUID) (*Prison, error) {
	saved, err := e.records.Load(id)
	if err != nil {
		return nil, err
	}
	return e.fromRecord(saved), nil
}

// LoadAll rebuilds every recorded prison without reattaching them.
func (e *Environment) LoadAll() ([]*Prison, error) {
	saved, err := e.records.LoadAll()
	if err != nil {
		return nil, err
	}
	prisons := make([]*Prison, 0, len(saved))
	for _, entry := range saved {
		prisons = append(prisons, e.fromRecord(entry))
	}
	return prisons, nil
}

// LoadAndAttach returns the attached prison for id, loading and
// reattaching it on first use. Later calls return the same Prison.
func (e *Environment) LoadAndAttach(ctx context.Context, id uuid.UUID) (*Prison, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prison, ok := e.attached[id]; ok {
		return prison, nil
	}
	prison, err := e.Load(id)
	if err != nil {
		return nil, err
	}
	if err := prison.Reattach(ctx); err != nil {
		prison.release()
		return nil, err
	}
	e.attached[id] = prison
	return prison, nil
}

func (e *Environment) forget(id uuid.UUID) {
	e.mu.Lock()
	delete(e.attached, id)
	e.mu.Unlock()
}

func (e *Environment) fromRecord(saved record.Record) *Prison {
	prison := &Prison{environment: e, record: saved}
	if saved.Username != "" {
		prison.principal = e.principals.Attach(saved.Username)
	}
	return prison
}

// ListCellInstances asks every registered cell for the OS state it
// owns machine-wide. A cell whose listing fails is reported in the
// joined error; the others are still returned.
func (e *Environment) ListCellInstances(ctx context.Context) (map[rules.CellKind][]cell.InstanceInfo, error) {
	instances := make(map[rules.CellKind][]cell.InstanceInfo)
	var errs []error
	for _, c := range e.registry.All() {
		listed, err := c.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %s instances: %w", c.Kind(), err))
			continue
		}
		instances[c.Kind()] = listed
	}
	return instances, errors.Join(errs...)
}

var initialized atomic.Bool

// ErrAlreadyInitialized is returned by Init after the first call in
// this process.
var ErrAlreadyInitialized = errors.New("prison machine setup already ran in this process")

// Init runs every cell's one-time machine setup. It runs at most once
// per process; later calls return ErrAlreadyInitialized.
func (e *Environment) Init(ctx context.Context) error {
	if !initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	for _, c := range e.registry.All() {
		logger := e.logger.With("cell", c.Kind().String())
		logger.Info("initializing cell")
		if err := c.Init(ctx); err != nil {
			return fmt.Errorf("initializing %s cell: %w", c.Kind(), err)
		}
	}
	return nil
}

// StartSuspended implements executor.Backend: it launches the request
// in its prison and returns the process tagged but not yet running.
//
// The record is read on every request, so a prison destroyed or
// re-provisioned by another process is never launched into from a
// stale attachment. The prison's handles are held only while processes
// started through it are alive.
func (e *Environment) StartSuspended(ctx context.Context, request executor.Request) (*launch.Process, error) {
	id, err := uuid.Parse(request.PrisonID)
	if err != nil {
		return nil, fmt.Errorf("prison id %q: %w", request.PrisonID, err)
	}
	saved, err := e.records.Load(id)
	switch {
	case errors.Is(err, record.ErrNotFound):
		e.revoke(id)
		return nil, fmt.Errorf("prison %s: %w", id, ErrNotLocked)
	case err != nil:
		return nil, err
	case !saved.Locked:
		e.revoke(id)
		return nil, fmt.Errorf("prison %s: %w", id, ErrNotLocked)
	}

	held, err := e.acquire(ctx, saved)
	if err != nil {
		return nil, err
	}
	process, err := held.prison.startSuspended(ctx, ExecuteOptions{
		Filename: request.Filename,
		Args:     request.Args,
		Dir:      request.Dir,
		Env:      request.Env,
		Stdin:    request.Stdin,
		Stdout:   request.Stdout,
		Stderr:   request.Stderr,
	})
	if err != nil {
		e.releaseLease(held)
		return nil, err
	}
	go func() {
		<-process.Done()
		e.releaseLease(held)
	}()
	return process, nil
}

// acquire returns the lease for saved with one more use, attaching the
// prison when no current lease matches the record.
func (e *Environment) acquire(ctx context.Context, saved record.Record) (*lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if held, ok := e.leases[saved.ID]; ok {
		current := held.prison.Record()
		if current.Locked && current.Username == saved.Username && current.CreatedAt.Equal(saved.CreatedAt) {
			held.uses++
			return held, nil
		}
		// Outstanding processes still release the old lease.
		delete(e.leases, saved.ID)
	}
	prison := e.fromRecord(saved)
	if err := prison.Reattach(ctx); err != nil {
		prison.release()
		return nil, err
	}
	held := &lease{prison: prison, uses: 1}
	e.leases[saved.ID] = held
	return held, nil
}

func (e *Environment) releaseLease(held *lease) {
	e.mu.Lock()
	held.uses--
	last := held.uses == 0 && !held.closed
	id := held.prison.ID()
	if last && e.leases[id] == held {
		delete(e.leases, id)
	}
	e.mu.Unlock()
	if !last {
		return
	}
	if err := held.prison.release(); err != nil {
		e.logger.Warn("releasing relayed prison", "prison_id", id, "error", err)
	}
}

// revoke drops the lease for a prison whose record is gone or unlocked.
// Its remaining processes release it as they exit.
func (e *Environment) revoke(id uuid.UUID) {
	e.mu.Lock()
	delete(e.leases, id)
	e.mu.Unlock()
}
