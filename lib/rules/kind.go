// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"math/bits"
	"strings"
)

// CellKind is a bitmask of cell kinds. Each cell owns exactly one bit.
// The numeric values are part of the persisted record format and must
// not change.
type CellKind uint32

const (
	None       CellKind = 0
	CPU        CellKind = 1 << 1
	Disk       CellKind = 1 << 2
	Filesystem CellKind = 1 << 3
	// Firewall grants a principal the right to listen on its URL port.
	Firewall CellKind = 1 << 4
	Network  CellKind = 1 << 5
	// Station isolates the principal's terminal sessions.
	Station CellKind = 1 << 6
	Memory  CellKind = 1 << 7
	// WebGroup adds the principal to the host's web server group.
	WebGroup CellKind = 1 << 8

	// DatabaseInstance is retained so old records decode. No cell
	// implements it and All does not include it.
	//
	// Deprecated: database instance provisioning was removed.
	DatabaseInstance CellKind = 1 << 9

	// All enables every cell. A mask containing All enables every kind,
	// including kinds added after the mask was written.
	All = CPU | Disk | Filesystem | Firewall | Network | Station | Memory | WebGroup
)

// Kinds lists every implemented kind in registry order: the order in
// which cells are applied at lockdown and recovered at reattach.
var Kinds = []CellKind{CPU, Disk, Filesystem, Firewall, Memory, Network, Station, WebGroup}

var kindNames = map[CellKind]string{
	CPU:              "cpu",
	Disk:             "disk",
	Filesystem:       "filesystem",
	Firewall:         "firewall",
	Network:          "network",
	Station:          "station",
	Memory:           "memory",
	WebGroup:         "webgroup",
	DatabaseInstance: "database",
}

// Enabled reports whether query is enabled by mask k. Every bit of
// query must be set, unless k contains All, in which case everything is
// enabled.
func (k CellKind) Enabled(query CellKind) bool {
	return k&query == query || k&All == All
}

// String renders single kinds by name and masks as a comma list, with
// "all" and "none" for the two special values.
func (k CellKind) String() string {
	switch k {
	case None:
		return "none"
	case All:
		return "all"
	}
	if name, ok := kindNames[k]; ok {
		return name
	}

	var names []string
	remaining := k
	for remaining != 0 {
		bit := CellKind(1) << bits.TrailingZeros32(uint32(remaining))
		remaining &^= bit
		if name, ok := kindNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("0x%x", uint32(bit)))
		}
	}
	return strings.Join(names, ",")
}

// MarshalText encodes the mask in its String form.
func (k CellKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts anything ParseCellKinds accepts.
func (k *CellKind) UnmarshalText(text []byte) error {
	parsed, err := ParseCellKinds(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseCellKinds parses a comma-separated list of kind names. "all" and
// "none" are accepted, as are hexadecimal bit values for kinds this
// binary does not know by name.
func ParseCellKinds(s string) (CellKind, error) {
	var mask CellKind
	for _, field := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(field))
		switch name {
		case "", "none":
			continue
		case "all":
			mask |= All
			continue
		}

		found := false
		for kind, kindName := range kindNames {
			if kindName == name {
				mask |= kind
				found = true
				break
			}
		}
		if found {
			continue
		}

		var raw uint32
		if _, err := fmt.Sscanf(name, "0x%x", &raw); err == nil && bits.OnesCount32(raw) == 1 {
			mask |= CellKind(raw)
			continue
		}
		return None, fmt.Errorf("unknown cell kind %q", field)
	}
	return mask, nil
}
