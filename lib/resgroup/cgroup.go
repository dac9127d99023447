// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resgroup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/retry"
)

// cpuPeriod is the cpu.max period in microseconds.
const cpuPeriod = 100000

var sliceControllers = []string{"+cpu", "+memory", "+pids", "+io"}

// CgroupManager manages groups as cgroup v2 directories under
// <Root>/<Slice>.
type CgroupManager struct {
	// Root is the cgroup2 mount, normally /sys/fs/cgroup.
	Root string

	// Slice is the directory under Root that holds every group. Its
	// parent must delegate the cpu, memory, pids and io controllers.
	Slice string

	// LockDirectory holds the per-group share locks.
	LockDirectory string

	// NumCPU scales CPU percentages. Zero means runtime.NumCPU().
	NumCPU int

	// Clock paces the wait for a killed group to drain before removal.
	Clock clock.Clock

	Logger *slog.Logger

	// remove deletes a drained group directory. Tests on a fabricated
	// tree substitute os.RemoveAll.
	remove func(string) error
}

func (m *CgroupManager) slicePath() string {
	return filepath.Join(m.Root, m.Slice)
}

func (m *CgroupManager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

// Create implements Manager. The slice is created on first use and the
// controllers are enabled for its children.
func (m *CgroupManager) Create(name string) (Group, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.slicePath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating cgroup slice %s: %w", m.slicePath(), err)
	}
	m.enableControllers()

	path := filepath.Join(m.slicePath(), name)
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrGroupExists)
		}
		return nil, fmt.Errorf("creating cgroup %s: %w", path, err)
	}

	group, err := m.attach(name, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	m.logger().Info("resource group created", "group", name, "path", path)
	return group, nil
}

// enableControllers writes each controller separately so a host that
// lacks one (io is often missing in containers) still gets the rest.
func (m *CgroupManager) enableControllers() {
	control := filepath.Join(m.slicePath(), "cgroup.subtree_control")
	for _, controller := range sliceControllers {
		if err := os.WriteFile(control, []byte(controller), 0o644); err != nil {
			m.logger().Debug("cannot enable cgroup controller",
				"controller", controller, "slice", m.slicePath(), "error", err)
		}
	}
}

// Open implements Manager.
func (m *CgroupManager) Open(name string) (Group, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(m.slicePath(), name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrGroupNotFound)
	} else if err != nil {
		return nil, err
	}
	return m.attach(name, path)
}

func (m *CgroupManager) attach(name, path string) (*cgroupGroup, error) {
	share, err := acquireShare(m.LockDirectory, name)
	if err != nil {
		return nil, err
	}
	// The last handle may have removed the group while we waited for
	// the lock.
	if _, err := os.Stat(path); err != nil {
		share.release(func() error { return nil })
		return nil, fmt.Errorf("%s: %w", name, ErrGroupNotFound)
	}

	numCPU := m.NumCPU
	if numCPU <= 0 {
		numCPU = runtime.NumCPU()
	}
	source := m.Clock
	if source == nil {
		source = clock.Real()
	}
	remove := m.remove
	if remove == nil {
		remove = os.Remove
	}
	return &cgroupGroup{
		name:   name,
		path:   path,
		share:  share,
		numCPU: numCPU,
		clock:  source,
		remove: remove,
		logger: m.logger().With("group", name),
	}, nil
}

type cgroupGroup struct {
	name   string
	path   string
	share  *shareLock
	numCPU int
	clock  clock.Clock
	remove func(string) error
	logger *slog.Logger
}

func (g *cgroupGroup) Name() string { return g.name }

func (g *cgroupGroup) file(name string) string {
	return filepath.Join(g.path, name)
}

func (g *cgroupGroup) write(name, value string) error {
	if err := os.WriteFile(g.file(name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("writing %s to %s: %w", value, g.file(name), err)
	}
	return nil
}

func (g *cgroupGroup) AddProcess(pid int) error {
	if g.share.closed() {
		return ErrClosed
	}
	if err := g.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return err
	}
	nice, set, err := g.nice()
	if err != nil {
		return err
	}
	if set {
		if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
			return fmt.Errorf("setpriority(%d, %d): %w", pid, nice, err)
		}
	}
	return nil
}

// nice reads the group's configured nice value back from
// cpu.weight.nice, so a reattached handle applies the same priority.
func (g *cgroupGroup) nice() (int, bool, error) {
	data, err := os.ReadFile(g.file("cpu.weight.nice"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	nice, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("parsing cpu.weight.nice: %w", err)
	}
	return nice, nice != 0, nil
}

func (g *cgroupGroup) SetLimit(kind LimitKind, value int64) error {
	if g.share.closed() {
		return ErrClosed
	}
	if value < 0 && kind != LimitPriority {
		return fmt.Errorf("negative %s limit %d", kind, value)
	}

	switch kind {
	case LimitCPUPercent:
		if value == 0 {
			return g.write("cpu.max", fmt.Sprintf("max %d", cpuPeriod))
		}
		if value > 100 {
			return fmt.Errorf("cpu percent %d out of range", value)
		}
		quota := value * cpuPeriod * int64(g.numCPU) / 100
		return g.write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriod))
	case LimitMemoryBytes:
		return g.write("memory.max", maxOrValue(value))
	case LimitActiveProcesses:
		return g.write("pids.max", maxOrValue(value))
	case LimitPriority:
		return g.write("cpu.weight.nice", strconv.FormatInt(value, 10))
	}
	return fmt.Errorf("%s: %w", kind, ErrLimitUnsupported)
}

func maxOrValue(value int64) string {
	if value == 0 {
		return "max"
	}
	return strconv.FormatInt(value, 10)
}

func (g *cgroupGroup) Processes() ([]int, error) {
	data, err := os.ReadFile(g.file("cgroup.procs"))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", g.file("cgroup.procs"), err)
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("parsing cgroup.procs entry %q: %w", field, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (g *cgroupGroup) TerminateAll(exitCode int) error {
	g.logger.Info("terminating resource group", "exit_code", exitCode)

	if _, err := os.Stat(g.file("cgroup.kill")); err == nil {
		return g.write("cgroup.kill", "1")
	}

	// Kernels before 5.14 have no cgroup.kill.
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
	return errors.Join(errs...)
}

func (g *cgroupGroup) Counters() (Counters, error) {
	var counters Counters
	var errs []error

	if value, err := readInt(g.file("pids.current")); err == nil {
		counters.ActiveProcesses = value
	} else {
		errs = append(errs, err)
	}

	if value, err := readInt(g.file("memory.peak")); err == nil {
		counters.PeakMemoryBytes = value
	} else if value, err := readInt(g.file("memory.current")); err == nil {
		// memory.peak appeared in 5.19.
		counters.PeakMemoryBytes = value
	} else {
		errs = append(errs, err)
	}

	if err := readIOStat(g.file("io.stat"), &counters); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}

	if usage, err := readKeyed(g.file("cpu.stat"), "usage_usec"); err == nil {
		counters.CPUUsage = time.Duration(usage) * time.Microsecond
	} else {
		errs = append(errs, err)
	}

	return counters, errors.Join(errs...)
}

func (g *cgroupGroup) Close() error {
	last, err := g.share.release(g.destroy)
	if last {
		g.logger.Info("last handle closed; resource group removed")
	}
	return err
}

// destroy kills the members and removes the directory once the kernel
// reports it empty. rmdir fails with EBUSY until the last killed
// process has been reaped.
func (g *cgroupGroup) destroy() error {
	if err := g.TerminateAll(0); err != nil {
		return err
	}
	return retry.Do(context.Background(), g.clock, drainPolicy, func() (bool, error, error) {
		err := g.remove(g.path)
		switch {
		case err == nil, errors.Is(err, os.ErrNotExist):
			return true, nil, nil
		case errors.Is(err, unix.EBUSY):
			return false, err, nil
		default:
			return false, nil, fmt.Errorf("removing cgroup %s: %w", g.path, err)
		}
	})
}

var drainPolicy = retry.Policy{Attempts: 50, Delay: 20 * time.Millisecond}

func readInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "max" {
		return 0, nil
	}
	return strconv.ParseInt(text, 10, 64)
}

// readKeyed returns the value of key in a flat-keyed cgroup file such
// as cpu.stat ("usage_usec 1234").
func readKeyed(path, key string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == key {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("%s: no %s entry", path, key)
}

// readIOStat sums the nested-keyed io.stat lines
// ("8:0 rbytes=1 wbytes=2 rios=3 wios=4 dbytes=0 dios=0") over devices.
func readIOStat(path string, counters *Counters) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, field := range fields[1:] {
			key, value, found := strings.Cut(field, "=")
			if !found {
				continue
			}
			number, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			switch key {
			case "rbytes":
				counters.IOReadBytes += number
			case "wbytes":
				counters.IOWriteBytes += number
			case "rios":
				counters.IOReadOps += number
			case "wios":
				counters.IOWriteOps += number
			}
		}
	}
	return nil
}
