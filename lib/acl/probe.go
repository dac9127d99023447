// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/lib/launch"
)

// ProbePrefix starts the name of every file and directory the probe
// creates.
const ProbePrefix = "prisonsec_"

// probeHelper is the launch helper name of the probe.
const probeHelper = "acl-probe"

func init() {
	launch.Register(probeHelper, func(roots []string) int {
		writer := bufio.NewWriter(os.Stdout)
		for _, directory := range OpenDirectories(roots) {
			fmt.Fprintln(writer, directory)
		}
		if err := writer.Flush(); err != nil {
			return 1
		}
		return 0
	})
}

// OpenDirectories walks roots as the calling identity and returns every
// directory in which it could create a subdirectory or a file. An open
// directory is not descended into; a closed one is searched further.
// Unreadable directories are skipped.
func OpenDirectories(roots []string) []string {
	var open []string
	var walk func(directory string)
	walk = func(directory string) {
		if strings.HasPrefix(filepath.Base(directory), ProbePrefix) {
			return
		}
		if canCreate(directory) {
			open = append(open, directory)
			return
		}
		entries, err := os.ReadDir(directory)
		if err != nil {
			return
		}
		for _, entry := range entries {
			// Symlinks are not followed: the target is walked under
			// its own path if it is under a root.
			if entry.IsDir() {
				walk(filepath.Join(directory, entry.Name()))
			}
		}
	}
	for _, root := range roots {
		walk(filepath.Clean(root))
	}
	return open
}

func canCreate(directory string) bool {
	name := filepath.Join(directory, ProbePrefix+uuid.NewString())
	if err := os.Mkdir(name, 0o700); err == nil {
		os.Remove(name)
		return true
	}
	file, err := os.OpenFile(name+".txt", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err == nil {
		file.Close()
		os.Remove(name + ".txt")
		return true
	}
	return false
}

// FindOpenDirectories runs the probe in a child copy of executable
// under credential and returns the directories it found open.
func FindOpenDirectories(ctx context.Context, executable string, credential *syscall.Credential, roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	cmd, err := launch.HelperCommand(ctx, executable, probeHelper, roots...)
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credential}
	cmd.Dir = "/"
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("probe exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("running probe: %w", err)
	}

	var directories []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			directories = append(directories, line)
		}
	}
	return directories, scanner.Err()
}
