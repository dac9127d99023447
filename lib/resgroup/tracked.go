// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/prison/lib/codec"
	"github.com/bureau-foundation/prison/lib/procfs"
)

// TrackedManager manages groups as pid registries in a directory. A
// group is <Directory>/<name>.members, one "pid starttime" line per
// process added; descendants of members are found by walking the
// process table. Limits other than priority are not enforced by the
// kernel: [TrackedGroup.Enforce] checks them and the guard watcher
// calls it on every poll.
type TrackedManager struct {
	Directory string
	Proc      procfs.FS
	Logger    *slog.Logger
}

type trackedLimits struct {
	MemoryBytes     int64 `cbor:"memory_bytes,omitempty"`
	ActiveProcesses int64 `cbor:"active_processes,omitempty"`
	Nice            int   `cbor:"nice,omitempty"`
	PeakMemoryBytes int64 `cbor:"peak_memory_bytes,omitempty"`
}

func (m *TrackedManager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

func (m *TrackedManager) membersPath(name string) string {
	return filepath.Join(m.Directory, name+".members")
}

// Create implements Manager.
func (m *TrackedManager) Create(name string) (Group, error) {
	return m.CreateTracked(name)
}

// Open implements Manager.
func (m *TrackedManager) Open(name string) (Group, error) {
	return m.OpenTracked(name)
}

// CreateTracked is Create returning the concrete type.
func (m *TrackedManager) CreateTracked(name string) (*TrackedGroup, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating group directory: %w", err)
	}
	file, err := os.OpenFile(m.membersPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrGroupExists)
	}
	if err != nil {
		return nil, fmt.Errorf("creating group %s: %w", name, err)
	}
	file.Close()

	group, err := m.attach(name)
	if err != nil {
		os.Remove(m.membersPath(name))
		return nil, err
	}
	m.logger().Info("tracked resource group created", "group", name)
	return group, nil
}

// OpenTracked is Open returning the concrete type.
func (m *TrackedManager) OpenTracked(name string) (*TrackedGroup, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(m.membersPath(name)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrGroupNotFound)
	} else if err != nil {
		return nil, err
	}
	return m.attach(name)
}

// Exists reports whether a group named name exists.
func (m *TrackedManager) Exists(name string) bool {
	_, err := os.Stat(m.membersPath(name))
	return err == nil
}

func (m *TrackedManager) attach(name string) (*TrackedGroup, error) {
	share, err := acquireShare(m.Directory, name)
	if err != nil {
		return nil, err
	}
	if !m.Exists(name) {
		share.release(func() error { return nil })
		return nil, fmt.Errorf("%s: %w", name, ErrGroupNotFound)
	}
	return &TrackedGroup{
		name:    name,
		members: m.membersPath(name),
		limits:  filepath.Join(m.Directory, name+".limits"),
		mutex:   filepath.Join(m.Directory, name+".mutex"),
		share:   share,
		proc:    m.Proc,
		logger:  m.logger().With("group", name),
	}, nil
}

// TrackedGroup is a handle on a pid-registry group.
type TrackedGroup struct {
	name    string
	members string
	limits  string
	mutex   string
	share   *shareLock
	proc    procfs.FS
	logger  *slog.Logger
}

type member struct {
	pid       int
	startTime uint64
}

// Name implements Group.
func (g *TrackedGroup) Name() string { return g.name }

// locked runs fn under the group's membership mutex.
func (g *TrackedGroup) locked(fn func() error) error {
	if g.share.closed() {
		return ErrClosed
	}
	return withExclusive(g.mutex, fn)
}

func (g *TrackedGroup) readMembers() ([]member, error) {
	data, err := os.ReadFile(g.members)
	if err != nil {
		return nil, fmt.Errorf("reading members of %s: %w", g.name, err)
	}
	var members []member
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		pid, pidErr := strconv.Atoi(fields[0])
		start, startErr := strconv.ParseUint(fields[1], 10, 64)
		if pidErr != nil || startErr != nil {
			continue
		}
		members = append(members, member{pid: pid, startTime: start})
	}
	return members, scanner.Err()
}

func (g *TrackedGroup) writeMembers(members []member) error {
	var buffer bytes.Buffer
	for _, entry := range members {
		fmt.Fprintf(&buffer, "%d %d\n", entry.pid, entry.startTime)
	}
	temporary := g.members + ".tmp"
	if err := os.WriteFile(temporary, buffer.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(temporary, g.members)
}

func (g *TrackedGroup) readLimits() (trackedLimits, error) {
	var limits trackedLimits
	data, err := os.ReadFile(g.limits)
	if errors.Is(err, os.ErrNotExist) {
		return limits, nil
	}
	if err != nil {
		return limits, err
	}
	if err := codec.Unmarshal(data, &limits); err != nil {
		return limits, fmt.Errorf("parsing limits of %s: %w", g.name, err)
	}
	return limits, nil
}

func (g *TrackedGroup) writeLimits(limits trackedLimits) error {
	data, err := codec.Marshal(limits)
	if err != nil {
		return err
	}
	return os.WriteFile(g.limits, data, 0o644)
}

// AddProcess implements Group. Dead members are pruned while the list
// is rewritten.
func (g *TrackedGroup) AddProcess(pid int) error {
	stat, err := g.proc.ReadStat(pid)
	if err != nil {
		return fmt.Errorf("adding %d to %s: %w", pid, g.name, err)
	}
	return g.locked(func() error {
		members, err := g.readMembers()
		if err != nil {
			return err
		}
		live := members[:0]
		for _, entry := range members {
			if entry.pid == pid {
				continue
			}
			if g.proc.Alive(entry.pid, entry.startTime) {
				live = append(live, entry)
			}
		}
		live = append(live, member{pid: pid, startTime: stat.StartTime})
		if err := g.writeMembers(live); err != nil {
			return err
		}

		limits, err := g.readLimits()
		if err != nil {
			return err
		}
		if limits.Nice != 0 {
			if err := unix.Setpriority(unix.PRIO_PROCESS, pid, limits.Nice); err != nil {
				return fmt.Errorf("setpriority(%d, %d): %w", pid, limits.Nice, err)
			}
		}
		return nil
	})
}

// SetLimit implements Group. CPU percent has no pid-registry
// equivalent.
func (g *TrackedGroup) SetLimit(kind LimitKind, value int64) error {
	if kind == LimitCPUPercent {
		return fmt.Errorf("%s: %w", kind, ErrLimitUnsupported)
	}
	if value < 0 && kind != LimitPriority {
		return fmt.Errorf("negative %s limit %d", kind, value)
	}
	return g.locked(func() error {
		limits, err := g.readLimits()
		if err != nil {
			return err
		}
		switch kind {
		case LimitMemoryBytes:
			limits.MemoryBytes = value
		case LimitActiveProcesses:
			limits.ActiveProcesses = value
		case LimitPriority:
			limits.Nice = int(value)
		default:
			return fmt.Errorf("%s: %w", kind, ErrLimitUnsupported)
		}
		return g.writeLimits(limits)
	})
}

// Processes implements Group: live members and all their descendants,
// in ascending pid order.
func (g *TrackedGroup) Processes() ([]int, error) {
	members, err := g.readMembers()
	if err != nil {
		return nil, err
	}
	var roots []int
	for _, entry := range members {
		if g.proc.Alive(entry.pid, entry.startTime) {
			roots = append(roots, entry.pid)
		}
	}
	if len(roots) == 0 {
		return nil, nil
	}

	table, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("reading process table: %w", err)
	}
	children := make(map[int][]int, len(table))
	for _, process := range table {
		children[process.PPid()] = append(children[process.PPid()], process.Pid())
	}

	seen := make(map[int]bool)
	queue := roots
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		queue = append(queue, children[pid]...)
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		if g.proc.Alive(pid, 0) {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	return pids, nil
}

// TerminateAll implements Group.
func (g *TrackedGroup) TerminateAll(exitCode int) error {
	g.logger.Info("terminating tracked resource group", "exit_code", exitCode)
	return g.locked(g.killAllLocked)
}

func (g *TrackedGroup) killAllLocked() error {
	pids, err := g.Processes()
	if err != nil {
		return err
	}
	var errs []error
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
		}
	}
	if err := g.writeMembers(nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Counters implements Group. Memory is the summed resident set of the
// live processes; the peak is the highest sum any Counters or Enforce
// call has observed.
func (g *TrackedGroup) Counters() (Counters, error) {
	var counters Counters
	err := g.locked(func() error {
		var err error
		counters, _, err = g.measureLocked()
		return err
	})
	return counters, err
}

// measureLocked returns the counters and the current resident sum.
func (g *TrackedGroup) measureLocked() (Counters, int64, error) {
	pids, err := g.Processes()
	if err != nil {
		return Counters{}, 0, err
	}
	counters := Counters{ActiveProcesses: int64(len(pids))}
	var resident int64
	var ticks uint64
	for _, pid := range pids {
		if status, err := g.proc.ReadStatus(pid); err == nil {
			resident += status.VmRSSByte
		}
		if stat, err := g.proc.ReadStat(pid); err == nil {
			ticks += stat.UserTicks + stat.SysTicks
		}
		// Another user's io file needs ptrace access; count what we
		// can read.
		if io, err := g.proc.ReadIO(pid); err == nil {
			counters.IOReadBytes += io.ReadBytes
			counters.IOWriteBytes += io.WriteBytes
			counters.IOReadOps += io.ReadOps
			counters.IOWriteOps += io.WriteOps
		}
	}
	counters.CPUUsage = time.Duration(ticks) * time.Second / procfs.ClockTicks

	limits, err := g.readLimits()
	if err != nil {
		return Counters{}, 0, err
	}
	if resident > limits.PeakMemoryBytes {
		limits.PeakMemoryBytes = resident
		if err := g.writeLimits(limits); err != nil {
			return Counters{}, 0, err
		}
	}
	counters.PeakMemoryBytes = limits.PeakMemoryBytes
	return counters, resident, nil
}

// Violation describes a limit Enforce acted on.
type Violation struct {
	Kind   LimitKind
	Limit  int64
	Actual int64
}

// Enforce checks the memory and active-process limits. Exceeding the
// memory limit kills the whole group; exceeding the process limit
// kills the newest processes until the group is back under it. The
// returned violations are empty when nothing was exceeded.
func (g *TrackedGroup) Enforce() ([]Violation, error) {
	var violations []Violation
	err := g.locked(func() error {
		limits, err := g.readLimits()
		if err != nil {
			return err
		}
		counters, resident, err := g.measureLocked()
		if err != nil {
			return err
		}

		if limits.MemoryBytes > 0 {
			if resident > limits.MemoryBytes {
				violations = append(violations, Violation{Kind: LimitMemoryBytes, Limit: limits.MemoryBytes, Actual: resident})
				g.logger.Warn("memory limit exceeded; terminating group",
					"limit_bytes", limits.MemoryBytes, "resident_bytes", resident)
				return g.killAllLocked()
			}
		}

		if limits.ActiveProcesses > 0 && counters.ActiveProcesses > limits.ActiveProcesses {
			violations = append(violations, Violation{Kind: LimitActiveProcesses, Limit: limits.ActiveProcesses, Actual: counters.ActiveProcesses})
			return g.killNewestLocked(int(counters.ActiveProcesses - limits.ActiveProcesses))
		}
		return nil
	})
	return violations, err
}

func (g *TrackedGroup) killNewestLocked(excess int) error {
	pids, err := g.Processes()
	if err != nil {
		return err
	}
	type aged struct {
		pid   int
		start uint64
	}
	var processes []aged
	for _, pid := range pids {
		if stat, err := g.proc.ReadStat(pid); err == nil {
			processes = append(processes, aged{pid: pid, start: stat.StartTime})
		}
	}
	slices.SortFunc(processes, func(a, b aged) int {
		if a.start != b.start {
			if a.start > b.start {
				return -1
			}
			return 1
		}
		return b.pid - a.pid
	})

	var errs []error
	for _, process := range processes[:min(excess, len(processes))] {
		g.logger.Warn("active process limit exceeded; killing newest process", "pid", process.pid)
		if err := unix.Kill(process.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Group.
func (g *TrackedGroup) Close() error {
	last, err := g.share.release(func() error {
		killErr := withExclusive(g.mutex, g.killAllLocked)
		var removeErrs []error
		for _, path := range []string{g.members, g.limits, g.mutex} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				removeErrs = append(removeErrs, err)
			}
		}
		return errors.Join(killErr, errors.Join(removeErrs...))
	})
	if last {
		g.logger.Info("last handle closed; tracked resource group removed")
	}
	return err
}
