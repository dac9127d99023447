// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
)

type passwdEntry struct {
	name  string
	uid   uint32
	gid   uint32
	home  string
	shell string
}

type groupEntry struct {
	name    string
	gid     uint32
	members []string
}

func (g groupEntry) hasMember(username string) bool {
	return slices.Contains(g.members, username)
}

// readColonFile returns the colon-separated records of an account
// database, skipping blanks, comments and NIS "+"/"-" entries.
func readColonFile(path string, minimumFields int) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records [][]string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '+' || line[0] == '-' {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < minimumFields {
			continue
		}
		records = append(records, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return records, nil
}

func readPasswd(path string) ([]passwdEntry, error) {
	records, err := readColonFile(path, 7)
	if err != nil {
		return nil, err
	}
	entries := make([]passwdEntry, 0, len(records))
	for _, fields := range records {
		uid, uidErr := strconv.ParseUint(fields[2], 10, 32)
		gid, gidErr := strconv.ParseUint(fields[3], 10, 32)
		if uidErr != nil || gidErr != nil {
			continue
		}
		entries = append(entries, passwdEntry{
			name:  fields[0],
			uid:   uint32(uid),
			gid:   uint32(gid),
			home:  fields[5],
			shell: fields[6],
		})
	}
	return entries, nil
}

func readGroups(path string) ([]groupEntry, error) {
	records, err := readColonFile(path, 4)
	if err != nil {
		return nil, err
	}
	entries := make([]groupEntry, 0, len(records))
	for _, fields := range records {
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		entry := groupEntry{name: fields[0], gid: uint32(gid)}
		if fields[3] != "" {
			entry.members = strings.Split(fields[3], ",")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
