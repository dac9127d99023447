// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemoryLimit parses a byte size such as "2G", "512M" or "4096".
// Suffixes K, M, G and T are binary multiples. "" and "infinity"
// return 0 (no limit).
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}

	multiplier := int64(1)
	number := s
	switch suffix := strings.ToUpper(s[len(s)-1:]); suffix {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	case "T":
		multiplier = 1 << 40
	}
	if multiplier != 1 {
		number = s[:len(s)-1]
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return value * multiplier, nil
}

// ParseCPUPercent parses "50%" or "50". "" and "infinity" return 0.
func ParseCPUPercent(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "infinity" {
		return 0, nil
	}
	value, err := strconv.ParseInt(strings.TrimSuffix(s, "%"), 10, 64)
	if err != nil || value < 0 || value > 100 {
		return 0, fmt.Errorf("invalid CPU percentage %q", s)
	}
	return value, nil
}

// ParseBitRate parses a rate in bits per second with optional decimal
// suffixes: "8M" is 8,000,000. "" returns 0.
func ParseBitRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	multiplier := int64(1)
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		multiplier = 1_000
	case "M":
		multiplier = 1_000_000
	case "G":
		multiplier = 1_000_000_000
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}
	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid bit rate %q", s)
	}
	return value * multiplier, nil
}
