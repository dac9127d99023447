// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/retry"
)

// ErrNoVolume is returned when no quota-capable volume holds a path.
var ErrNoVolume = errors.New("no quota-capable volume")

// Volume is a mounted filesystem with user quota support.
type Volume struct {
	Device     string
	MountPoint string
	FSType     string
}

// Usage is one row of the quota report.
type Usage struct {
	Username   string
	UsedBytes  int64
	LimitBytes int64
}

// Manager is the disk quota backend the disk cell drives.
type Manager interface {
	// Initialize turns quotas on for every quota-capable volume and
	// waits until each reports them on.
	Initialize(ctx context.Context) error

	Volumes() ([]Volume, error)

	// VolumeOf returns the quota-capable volume holding path.
	VolumeOf(path string) (Volume, error)

	// SetLimit sets username's hard block limit on volume. 0 means no
	// limit.
	SetLimit(ctx context.Context, username string, volume Volume, limitBytes int64) error

	// Clear removes username's limits on every volume.
	Clear(ctx context.Context, username string) error

	// Report returns usage for every user with quota entries.
	Report(ctx context.Context) ([]Usage, error)
}

// Tools implements Manager with the Linux quota tools.
type Tools struct {
	Runner hostcmd.Runner

	// Mounts is the mount table to read. Empty means
	// /proc/self/mounts.
	Mounts string

	Clock      clock.Clock
	InitPolicy retry.Policy
	Logger     *slog.Logger
}

func (t *Tools) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger
}

// quotaOptions are the mount options that enable user quotas.
var quotaOptions = []string{"usrquota", "usrjquota", "quota", "uquota", "uqnoenforce", "usrquota_block"}

// Volumes parses the mount table for filesystems mounted with user
// quota options.
func (t *Tools) Volumes() ([]Volume, error) {
	mounts := t.Mounts
	if mounts == "" {
		mounts = "/proc/self/mounts"
	}
	data, err := os.ReadFile(mounts)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}

	var volumes []Volume
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if !hasQuotaOption(fields[3]) || seen[fields[1]] {
			continue
		}
		seen[fields[1]] = true
		volumes = append(volumes, Volume{Device: fields[0], MountPoint: unescapeMount(fields[1]), FSType: fields[2]})
	}
	return volumes, scanner.Err()
}

func hasQuotaOption(options string) bool {
	for _, option := range strings.Split(options, ",") {
		name, _, _ := strings.Cut(option, "=")
		for _, quotaOption := range quotaOptions {
			if name == quotaOption {
				return true
			}
		}
	}
	return false
}

// unescapeMount undoes the octal escapes the kernel applies to spaces
// and tabs in mount points.
func unescapeMount(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var builder strings.Builder
	for index := 0; index < len(field); index++ {
		if field[index] == '\\' && index+3 < len(field) {
			if value, err := strconv.ParseUint(field[index+1:index+4], 8, 8); err == nil {
				builder.WriteByte(byte(value))
				index += 3
				continue
			}
		}
		builder.WriteByte(field[index])
	}
	return builder.String()
}

// VolumeOf returns the volume with the longest mount point containing
// path.
func (t *Tools) VolumeOf(path string) (Volume, error) {
	volumes, err := t.Volumes()
	if err != nil {
		return Volume{}, err
	}
	path = filepath.Clean(path)
	var best Volume
	found := false
	for _, volume := range volumes {
		if !within(path, volume.MountPoint) {
			continue
		}
		if !found || len(volume.MountPoint) > len(best.MountPoint) {
			best = volume
			found = true
		}
	}
	if !found {
		return Volume{}, fmt.Errorf("%s: %w", path, ErrNoVolume)
	}
	return best, nil
}

func within(path, mountPoint string) bool {
	if mountPoint == "/" {
		return true
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// quotaState runs quotaon -p on one volume. quotaon -p exits non-zero
// when quotas are on, so the answer is read from stdout either way.
func (t *Tools) quotaState(ctx context.Context, volume Volume) (bool, error) {
	result, err := t.Runner.Run(ctx, hostcmd.Command{Name: "quotaon", Args: []string{"-p", "-u", volume.MountPoint}})
	if _, isExit := hostcmd.ExitCode(err); err != nil && !isExit {
		return false, err
	}
	output := string(result.Stdout)
	switch {
	case strings.Contains(output, " is on"):
		return true, nil
	case strings.Contains(output, " is off"):
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return false, fmt.Errorf("unrecognized quotaon output for %s: %q", volume.MountPoint, strings.TrimSpace(output))
}

// Initialize implements Manager.
func (t *Tools) Initialize(ctx context.Context) error {
	volumes, err := t.Volumes()
	if err != nil {
		return err
	}
	for _, volume := range volumes {
		on, err := t.quotaState(ctx, volume)
		if err != nil {
			return err
		}
		if on {
			continue
		}
		t.logger().Info("enabling user quota", "mount_point", volume.MountPoint)
		if _, err := t.Runner.Run(ctx, hostcmd.Command{Name: "quotaon", Args: []string{"-u", volume.MountPoint}}); err != nil {
			return fmt.Errorf("enabling quota on %s: %w", volume.MountPoint, err)
		}
	}

	source := t.Clock
	if source == nil {
		source = clock.Real()
	}
	return retry.Do(ctx, source, t.InitPolicy, func() (bool, error, error) {
		for _, volume := range volumes {
			on, err := t.quotaState(ctx, volume)
			if err != nil {
				return false, nil, err
			}
			if !on {
				return false, fmt.Errorf("quota on %s not yet active", volume.MountPoint), nil
			}
		}
		return true, nil, nil
	})
}

// SetLimit implements Manager. The block limits are in KiB; soft and
// hard are the same.
func (t *Tools) SetLimit(ctx context.Context, username string, volume Volume, limitBytes int64) error {
	if limitBytes < 0 {
		return fmt.Errorf("negative quota %d for %s", limitBytes, username)
	}
	blocks := strconv.FormatInt(limitBytes/1024, 10)
	_, err := t.Runner.Run(ctx, hostcmd.Command{
		Name: "setquota",
		Args: []string{"-u", username, blocks, blocks, "0", "0", volume.MountPoint},
	})
	if err != nil {
		return fmt.Errorf("setting quota for %s on %s: %w", username, volume.MountPoint, err)
	}
	return nil
}

// Clear implements Manager.
func (t *Tools) Clear(ctx context.Context, username string) error {
	_, err := t.Runner.Run(ctx, hostcmd.Command{
		Name: "setquota",
		Args: []string{"-u", username, "0", "0", "0", "0", "-a"},
	})
	if err != nil {
		return fmt.Errorf("clearing quota for %s: %w", username, err)
	}
	return nil
}

// Report implements Manager by parsing repquota's CSV output. Users
// that appear on several volumes are summed.
func (t *Tools) Report(ctx context.Context) ([]Usage, error) {
	result, err := t.Runner.Run(ctx, hostcmd.Command{Name: "repquota", Args: []string{"-a", "-u", "-O", "csv"}})
	if err != nil {
		return nil, fmt.Errorf("reading quota report: %w", err)
	}
	return parseReport(result.Stdout)
}

func parseReport(data []byte) ([]Usage, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing quota report: %w", err)
	}
	columns := make(map[string]int, len(header))
	for index, name := range header {
		columns[strings.TrimSpace(name)] = index
	}
	userColumn, hasUser := columns["User"]
	usedColumn, hasUsed := columns["BlockUsed"]
	limitColumn, hasLimit := columns["BlockHardLimit"]
	if !hasUser || !hasUsed || !hasLimit {
		return nil, fmt.Errorf("quota report header lacks User/BlockUsed/BlockHardLimit: %v", header)
	}

	var usages []Usage
	index := make(map[string]int)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing quota report: %w", err)
		}
		if len(record) <= max(userColumn, usedColumn, limitColumn) {
			continue
		}
		// Mount-point separator rows repeat the header.
		if record[userColumn] == "User" {
			continue
		}
		used, err := strconv.ParseInt(record[usedColumn], 10, 64)
		if err != nil {
			continue
		}
		limit, err := strconv.ParseInt(record[limitColumn], 10, 64)
		if err != nil {
			continue
		}
		username := strings.TrimPrefix(record[userColumn], "#")
		if position, seen := index[username]; seen {
			usages[position].UsedBytes += used * 1024
			usages[position].LimitBytes += limit * 1024
			continue
		}
		index[username] = len(usages)
		usages = append(usages, Usage{Username: username, UsedBytes: used * 1024, LimitBytes: limit * 1024})
	}
	return usages, nil
}
