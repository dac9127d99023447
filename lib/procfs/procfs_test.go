// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procfs

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
)

func writeProc(t *testing.T, root string, pid int, files map[string]string) {
	t.Helper()
	directory := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(directory, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(directory, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func statLine(pid int, comm string, state byte, ppid int, start uint64) string {
	// Fields 4..21 are filler; starttime is field 22.
	return strconv.Itoa(pid) + " (" + comm + ") " + string(state) + " " + strconv.Itoa(ppid) +
		" 1 1 0 -1 4194560 100 0 0 0 1 1 0 0 20 0 1 0 " + strconv.FormatUint(start, 10) + " 1000 200\n"
}

func TestReadStatHandlesAwkwardNames(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 42, map[string]string{"stat": statLine(42, "my (odd) proc", 'S', 7, 123456)})

	stat, err := New(root).ReadStat(42)
	if err != nil {
		t.Fatalf("ReadStat: %v", err)
	}
	if stat.PPID != 7 || stat.StartTime != 123456 || stat.State != 'S' || stat.UserTicks != 1 || stat.SysTicks != 1 {
		t.Errorf("ReadStat = %+v", stat)
	}
}

func TestReadStatMissing(t *testing.T) {
	_, err := New(t.TempDir()).ReadStat(99)
	if !errors.Is(err, ErrNoProcess) {
		t.Errorf("ReadStat missing = %v, want ErrNoProcess", err)
	}
}

func TestReadStatusAndIO(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 10, map[string]string{
		"status": "Name:\tsleep\nUid:\t1500\t1500\t1500\t1500\nVmRSS:\t    2048 kB\n",
		"io":     "rchar: 100\nwchar: 200\nsyscr: 3\nsyscw: 4\nread_bytes: 4096\nwrite_bytes: 8192\n",
	})
	proc := New(root)

	status, err := proc.ReadStatus(10)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status.RealUID != 1500 || status.VmRSSByte != 2048*1024 {
		t.Errorf("ReadStatus = %+v", status)
	}

	counters, err := proc.ReadIO(10)
	if err != nil {
		t.Fatalf("ReadIO: %v", err)
	}
	want := IO{ReadBytes: 4096, WriteBytes: 8192, ReadOps: 3, WriteOps: 4}
	if counters != want {
		t.Errorf("ReadIO = %+v, want %+v", counters, want)
	}
}

func TestProcessesOwnedBy(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 1, map[string]string{"status": "Uid:\t0\t0\t0\t0\n"})
	writeProc(t, root, 20, map[string]string{"status": "Uid:\t1500\t1500\t1500\t1500\n"})
	writeProc(t, root, 21, map[string]string{"status": "Uid:\t1500\t0\t0\t0\n"})
	os.MkdirAll(filepath.Join(root, "self"), 0o755)

	owned, err := New(root).ProcessesOwnedBy(1500)
	if err != nil {
		t.Fatalf("ProcessesOwnedBy: %v", err)
	}
	slices.Sort(owned)
	if !slices.Equal(owned, []int{20, 21}) {
		t.Errorf("ProcessesOwnedBy = %v, want [20 21]", owned)
	}
}

func TestAliveChecksStartTimeAndZombies(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 5, map[string]string{"stat": statLine(5, "a", 'R', 1, 900)})
	writeProc(t, root, 6, map[string]string{"stat": statLine(6, "b", 'Z', 1, 901)})
	proc := New(root)

	if !proc.Alive(5, 900) {
		t.Error("pid 5 with matching start time reported dead")
	}
	if proc.Alive(5, 899) {
		t.Error("pid 5 with a reused start time reported alive")
	}
	if proc.Alive(6, 0) {
		t.Error("zombie reported alive")
	}
	if proc.Alive(7, 0) {
		t.Error("missing pid reported alive")
	}
}

func TestDefaultReadsSelf(t *testing.T) {
	stat, err := Default.ReadStat(os.Getpid())
	if err != nil {
		t.Skipf("no /proc: %v", err)
	}
	if stat.PPID != os.Getppid() {
		t.Errorf("PPID = %d, want %d", stat.PPID, os.Getppid())
	}
}
