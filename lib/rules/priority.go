// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"strings"
)

// PriorityClass is the scheduling class of every process in a prison.
type PriorityClass int

const (
	Idle PriorityClass = iota
	BelowNormal
	Normal
	AboveNormal
	High
	RealTime
)

var priorityNames = []string{"idle", "below-normal", "normal", "above-normal", "high", "realtime"}

// niceValues maps each class to a nice(2) value. RealTime is the
// strongest nice value, not a real-time scheduling policy.
var niceValues = []int{19, 10, 0, -5, -10, -20}

// Nice returns the nice value for the class.
func (p PriorityClass) Nice() int {
	if p < Idle || p > RealTime {
		return 0
	}
	return niceValues[p]
}

func (p PriorityClass) String() string {
	if p < Idle || p > RealTime {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// MarshalText encodes the class by name.
func (p PriorityClass) MarshalText() ([]byte, error) {
	if p < Idle || p > RealTime {
		return nil, fmt.Errorf("invalid priority class %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a class name.
func (p *PriorityClass) UnmarshalText(text []byte) error {
	parsed, err := ParsePriorityClass(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriorityClass parses a class name, case-insensitively, with
// either dashes or no separator ("BelowNormal", "below-normal").
func ParsePriorityClass(s string) (PriorityClass, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for index, name := range priorityNames {
		if normalized == name || normalized == strings.ReplaceAll(name, "-", "") {
			return PriorityClass(index), nil
		}
	}
	return Normal, fmt.Errorf("unknown priority class %q", s)
}
