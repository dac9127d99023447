// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNoProcess is returned when the pid has no /proc entry.
var ErrNoProcess = errors.New("procfs: no such process")

// FS reads process information from a proc mount.
type FS struct {
	root string
}

// Default reads from /proc.
var Default = New("/proc")

// New returns an FS rooted at root. Tests point it at a fabricated
// tree.
func New(root string) FS {
	return FS{root: root}
}

// Root returns the proc mount. The zero FS reads /proc.
func (p FS) Root() string {
	if p.root == "" {
		return "/proc"
	}
	return p.root
}

func (p FS) read(pid int, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.Root(), strconv.Itoa(pid), name))
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errESRCH) {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
	}
	return data, err
}

// Stat is the subset of /proc/<pid>/stat the runtime needs.
type Stat struct {
	PID       int
	State     byte
	PPID      int
	UserTicks uint64
	SysTicks  uint64
	StartTime uint64 // clock ticks since boot
}

// ClockTicks is USER_HZ, the unit of the tick fields in stat. It is
// 100 on every Linux architecture Go supports.
const ClockTicks = 100

// ReadStat parses /proc/<pid>/stat. The command name may contain
// spaces and parentheses, so fields are taken after the last ')'.
func (p FS) ReadStat(pid int) (Stat, error) {
	data, err := p.read(pid, "stat")
	if err != nil {
		return Stat{}, err
	}
	closing := bytes.LastIndexByte(data, ')')
	if closing < 0 {
		return Stat{}, fmt.Errorf("procfs: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[closing+1:]))
	// fields[0] is field 3 (state); starttime is field 22.
	if len(fields) < 20 {
		return Stat{}, fmt.Errorf("procfs: short stat for pid %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Stat{}, fmt.Errorf("procfs: ppid for pid %d: %w", pid, err)
	}
	startTime, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return Stat{}, fmt.Errorf("procfs: starttime for pid %d: %w", pid, err)
	}
	userTicks, _ := strconv.ParseUint(fields[11], 10, 64)
	sysTicks, _ := strconv.ParseUint(fields[12], 10, 64)
	return Stat{
		PID:       pid,
		State:     fields[0][0],
		PPID:      ppid,
		UserTicks: userTicks,
		SysTicks:  sysTicks,
		StartTime: startTime,
	}, nil
}

// Status is the subset of /proc/<pid>/status the runtime needs.
type Status struct {
	RealUID   uint32
	VmRSSByte int64
}

// ReadStatus parses /proc/<pid>/status.
func (p FS) ReadStatus(pid int) (Status, error) {
	data, err := p.read(pid, "status")
	if err != nil {
		return Status{}, err
	}

	var status Status
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		switch key {
		case "Uid":
			uid, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				return Status{}, fmt.Errorf("procfs: Uid for pid %d: %w", pid, err)
			}
			status.RealUID = uint32(uid)
		case "VmRSS":
			kib, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return Status{}, fmt.Errorf("procfs: VmRSS for pid %d: %w", pid, err)
			}
			status.VmRSSByte = kib * 1024
		}
	}
	return status, scanner.Err()
}

// IO holds the counters of /proc/<pid>/io.
type IO struct {
	ReadBytes  uint64
	WriteBytes uint64
	ReadOps    uint64
	WriteOps   uint64
}

// ReadIO parses /proc/<pid>/io. Reading another user's io file needs
// ptrace access; callers treat permission errors as zero counters.
func (p FS) ReadIO(pid int) (IO, error) {
	data, err := p.read(pid, "io")
	if err != nil {
		return IO{}, err
	}

	var counters IO
	for line := range strings.Lines(string(data)) {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		number, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "read_bytes":
			counters.ReadBytes = number
		case "write_bytes":
			counters.WriteBytes = number
		case "syscr":
			counters.ReadOps = number
		case "syscw":
			counters.WriteOps = number
		}
	}
	return counters, nil
}

// PIDs lists every numeric entry under the proc root.
func (p FS) PIDs() ([]int, error) {
	entries, err := os.ReadDir(p.Root())
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// ProcessesOwnedBy returns the pids whose real uid is uid. Processes
// that exit during the scan are skipped.
func (p FS) ProcessesOwnedBy(uid uint32) ([]int, error) {
	pids, err := p.PIDs()
	if err != nil {
		return nil, err
	}
	var owned []int
	for _, pid := range pids {
		status, err := p.ReadStatus(pid)
		if err != nil {
			continue
		}
		if status.RealUID == uid {
			owned = append(owned, pid)
		}
	}
	return owned, nil
}

// Alive reports whether pid exists, has not been reaped, and still has
// startTime. A zero startTime skips the identity check.
func (p FS) Alive(pid int, startTime uint64) bool {
	stat, err := p.ReadStat(pid)
	if err != nil {
		return false
	}
	if stat.State == 'Z' || stat.State == 'X' {
		return false
	}
	return startTime == 0 || stat.StartTime == startTime
}
