// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package urlacl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/principal"
)

// Chain is the iptables chain holding every reservation.
const Chain = "PRISON-URLACL"

// Orphaned is the owner reported for a reservation whose uid no longer
// resolves to an account.
const Orphaned = "orphaned"

const commentPrefix = "prison-urlacl:"

// Reservation is one reserved port.
type Reservation struct {
	Port  int
	UID   uint32
	Owner string
}

// Manager is the port reservation backend the firewall cell drives.
type Manager interface {
	// Init creates the chain and hooks it into OUTPUT. Idempotent.
	Init(ctx context.Context) error

	// Reserve gives uid exclusive use of port, replacing any existing
	// reservation of the port.
	Reserve(ctx context.Context, port int, uid uint32) error

	// Release removes the reservation of port. A port without one is
	// not an error.
	Release(ctx context.Context, port int) error

	// List returns the reservations owned by prison principals,
	// including orphaned ones.
	List(ctx context.Context) ([]Reservation, error)
}

// IPTables implements Manager with the iptables command.
type IPTables struct {
	Runner hostcmd.Runner

	// LookupUser resolves a uid to an account name. Nil means
	// principal.UsernameForUID.
	LookupUser func(uid uint32) (string, error)

	Logger *slog.Logger
}

func (t *IPTables) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger
}

func (t *IPTables) iptables(ctx context.Context, args ...string) (hostcmd.Result, error) {
	return t.Runner.Run(ctx, hostcmd.Command{Name: "iptables", Args: args})
}

// Init implements Manager.
func (t *IPTables) Init(ctx context.Context) error {
	if _, err := t.iptables(ctx, "-N", Chain); err != nil && !hostcmd.StderrContains(err, "already exists") {
		return fmt.Errorf("creating chain %s: %w", Chain, err)
	}
	if _, err := t.iptables(ctx, "-C", "OUTPUT", "-j", Chain); err == nil {
		return nil
	}
	if _, err := t.iptables(ctx, "-A", "OUTPUT", "-j", Chain); err != nil {
		return fmt.Errorf("hooking chain %s into OUTPUT: %w", Chain, err)
	}
	return nil
}

// Reserve implements Manager.
func (t *IPTables) Reserve(ctx context.Context, port int, uid uint32) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("reserving port %d: out of range", port)
	}
	if err := t.Release(ctx, port); err != nil {
		t.logger().Warn("removing previous port reservation failed", "port", port, "error", err)
	}

	match := []string{"-p", "tcp", "--sport", strconv.Itoa(port)}
	comment := []string{"-m", "comment", "--comment", commentPrefix + strconv.Itoa(port)}

	accept := slices.Concat([]string{"-I", Chain, "1"}, match,
		[]string{"-m", "owner", "--uid-owner", strconv.FormatUint(uint64(uid), 10)},
		comment, []string{"-j", "ACCEPT"})
	if _, err := t.iptables(ctx, accept...); err != nil {
		return fmt.Errorf("reserving port %d for uid %d: %w", port, uid, err)
	}

	reject := slices.Concat([]string{"-A", Chain}, match, comment, []string{"-j", "REJECT"})
	if _, err := t.iptables(ctx, reject...); err != nil {
		return errors.Join(fmt.Errorf("closing port %d to other users: %w", port, err), t.Release(ctx, port))
	}

	t.logger().Info("port reserved", "port", port, "uid", uid)
	return nil
}

// Release implements Manager.
func (t *IPTables) Release(ctx context.Context, port int) error {
	rules, err := t.rules(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, rule := range rules {
		if rule.port != port {
			continue
		}
		args := append([]string{"-D"}, rule.fields[1:]...)
		if _, err := t.iptables(ctx, args...); err != nil && !hostcmd.StderrContains(err, "does a matching rule exist") {
			errs = append(errs, fmt.Errorf("releasing port %d: %w", port, err))
		}
	}
	return errors.Join(errs...)
}

// List implements Manager.
func (t *IPTables) List(ctx context.Context) ([]Reservation, error) {
	rules, err := t.rules(ctx)
	if err != nil {
		return nil, err
	}
	lookup := t.LookupUser
	if lookup == nil {
		lookup = principal.UsernameForUID
	}

	var reservations []Reservation
	for _, rule := range rules {
		if !rule.hasOwner {
			continue
		}
		owner, err := lookup(rule.uid)
		if err != nil {
			var unknown user.UnknownUserIdError
			if !errors.As(err, &unknown) {
				return nil, fmt.Errorf("resolving owner of port %d: %w", rule.port, err)
			}
			owner = Orphaned
		}
		if owner != Orphaned && !strings.Contains(owner, principal.GlobalPrefix+principal.Separator) {
			continue
		}
		reservations = append(reservations, Reservation{Port: rule.port, UID: rule.uid, Owner: owner})
	}
	return reservations, nil
}

// rule is one reservation rule from "iptables -S".
type rule struct {
	fields   []string
	port     int
	uid      uint32
	hasOwner bool
}

// rules lists the chain's reservation rules. A missing chain has none.
func (t *IPTables) rules(ctx context.Context) ([]rule, error) {
	result, err := t.iptables(ctx, "-S", Chain)
	if err != nil {
		if hostcmd.StderrContains(err, "No chain") {
			return nil, nil
		}
		return nil, fmt.Errorf("listing chain %s: %w", Chain, err)
	}
	return parseRules(string(result.Stdout)), nil
}

// parseRules picks the commented reservation rules out of the output
// of "iptables -S <chain>". Lines look like
//
//	-A PRISON-URLACL -p tcp -m tcp --sport 8080 -m owner --uid-owner 1001 -m comment --comment prison-urlacl:8080 -j ACCEPT
func parseRules(output string) []rule {
	var rules []rule
	for line := range strings.Lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || fields[1] != Chain {
			continue
		}
		parsed := rule{fields: fields, port: -1}
		for index := 0; index+1 < len(fields); index++ {
			value := strings.Trim(fields[index+1], `"`)
			switch fields[index] {
			case "--comment":
				if port, ok := strings.CutPrefix(value, commentPrefix); ok {
					if number, err := strconv.Atoi(port); err == nil {
						parsed.port = number
					}
				}
			case "--uid-owner":
				if uid, err := strconv.ParseUint(value, 10, 32); err == nil {
					parsed.uid = uint32(uid)
					parsed.hasOwner = true
				}
			}
		}
		if parsed.port >= 0 {
			rules = append(rules, parsed)
		}
	}
	return rules
}
