// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netshape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/prison/lib/codec"
	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/kvstore"
)

// PolicyGroup is the kvstore group holding one entry per policy.
const PolicyGroup = "network_policies"

// Policy is one outbound throttle: traffic from a user, or from a
// local TCP port, capped at RateBPS.
type Policy struct {
	Name    string `cbor:"name"`
	RateBPS int64  `cbor:"rate_bps"`

	// Exactly one of UID (with Username for display) or Port selects
	// the traffic.
	Username string `cbor:"username,omitempty"`
	UID      int    `cbor:"uid,omitempty"`
	Port     int    `cbor:"port,omitempty"`

	// Minor is the HTB class 1:<Minor>, assigned on creation.
	Minor uint16 `cbor:"minor"`
}

// Match renders what the policy selects: the username, or ":<port>".
func (p Policy) Match() string {
	if p.Port > 0 {
		return ":" + strconv.Itoa(p.Port)
	}
	return p.Username
}

func (p Policy) comment() string {
	return "prison:" + p.Name
}

// ruleSpec is the mangle OUTPUT rule after the -A/-D verb.
func (p Policy) ruleSpec() []string {
	var match []string
	if p.Port > 0 {
		match = []string{"-p", "tcp", "--sport", strconv.Itoa(p.Port)}
	} else {
		match = []string{"-m", "owner", "--uid-owner", strconv.Itoa(p.UID)}
	}
	return append(match,
		"-m", "comment", "--comment", p.comment(),
		"-j", "CLASSIFY", "--set-class", fmt.Sprintf("%d:%x", rootMajor, p.Minor),
	)
}

// Shaper creates and removes throttle policies: an HTB class plus an
// iptables CLASSIFY rule, recorded in the kvstore.
type Shaper struct {
	TC          TrafficControl
	Runner      hostcmd.Runner
	Store       kvstore.Store
	LinkRateBPS int64
	Logger      *slog.Logger
}

func (s *Shaper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Init installs the HTB root.
func (s *Shaper) Init(ctx context.Context) error {
	return s.TC.EnsureRoot(uint64(s.LinkRateBPS))
}

// Create installs policy. A policy of the same name must not exist;
// callers Remove first.
func (s *Shaper) Create(ctx context.Context, policy Policy) error {
	if policy.RateBPS <= 0 {
		return fmt.Errorf("policy %s: rate must be positive, got %d", policy.Name, policy.RateBPS)
	}
	if (policy.Port > 0) == (policy.Username != "") {
		return fmt.Errorf("policy %s: exactly one of user or port must be set", policy.Name)
	}
	if _, found, err := s.Store.Read(ctx, PolicyGroup, policy.Name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("policy %s already exists", policy.Name)
	}

	minor, err := s.allocateMinor(ctx, policy)
	if err != nil {
		return err
	}
	policy.Minor = minor

	if err := s.TC.ReplaceClass(minor, uint64(policy.RateBPS)); err != nil {
		return err
	}
	args := append([]string{"-t", "mangle", "-A", "OUTPUT"}, policy.ruleSpec()...)
	if _, err := s.Runner.Run(ctx, hostcmd.Command{Name: "iptables", Args: args}); err != nil {
		return errors.Join(fmt.Errorf("adding classify rule for %s: %w", policy.Name, err), s.TC.DeleteClass(minor))
	}

	encoded, err := codec.Marshal(policy)
	if err != nil {
		return err
	}
	if err := s.Store.Save(ctx, PolicyGroup, policy.Name, encoded); err != nil {
		return err
	}
	s.logger().Info("network policy created",
		"policy", policy.Name,
		"rate_bps", policy.RateBPS,
		"match", policy.Match(),
	)
	return nil
}

// Remove deletes the policy named name. A missing policy is not an
// error.
func (s *Shaper) Remove(ctx context.Context, name string) error {
	policy, found, err := s.read(ctx, name)
	if err != nil || !found {
		return err
	}

	var errs []error
	args := append([]string{"-t", "mangle", "-D", "OUTPUT"}, policy.ruleSpec()...)
	if _, err := s.Runner.Run(ctx, hostcmd.Command{Name: "iptables", Args: args}); err != nil &&
		!hostcmd.StderrContains(err, "does a matching rule exist") {
		errs = append(errs, fmt.Errorf("removing classify rule for %s: %w", name, err))
	}
	if err := s.TC.DeleteClass(policy.Minor); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, s.Store.Save(ctx, PolicyGroup, name, nil))
	}
	return errors.Join(errs...)
}

// List returns every recorded policy whose name starts with prefix.
func (s *Shaper) List(ctx context.Context, prefix string) ([]Policy, error) {
	keys, err := s.Store.Keys(ctx, PolicyGroup)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	var policies []Policy
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		policy, found, err := s.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			policies = append(policies, policy)
		}
	}
	return policies, nil
}

func (s *Shaper) read(ctx context.Context, name string) (Policy, bool, error) {
	data, found, err := s.Store.Read(ctx, PolicyGroup, name)
	if err != nil || !found {
		return Policy{}, false, err
	}
	var policy Policy
	if err := codec.Unmarshal(data, &policy); err != nil {
		return Policy{}, false, fmt.Errorf("decoding policy %s: %w", name, err)
	}
	return policy, true, nil
}

// Class minors: user policies start from their uid in [0x10, 0x8000),
// port policies from their port in [0x8000, 0xfff0). Collisions probe
// forward within the range.
const (
	userMinorBase = 0x10
	userMinorSpan = 0x8000 - userMinorBase
	portMinorBase = 0x8000
	portMinorSpan = 0xfff0 - portMinorBase
)

func (s *Shaper) allocateMinor(ctx context.Context, policy Policy) (uint16, error) {
	existing, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}
	taken := make(map[uint16]bool, len(existing))
	for _, other := range existing {
		taken[other.Minor] = true
	}

	base, span, seed := userMinorBase, userMinorSpan, policy.UID
	if policy.Port > 0 {
		base, span, seed = portMinorBase, portMinorSpan, policy.Port
	}
	for offset := range span {
		minor := uint16(base + (seed+offset)%span)
		if !taken[minor] {
			return minor, nil
		}
	}
	return 0, fmt.Errorf("no free traffic class for policy %s", policy.Name)
}
