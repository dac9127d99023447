// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package urlacl

import (
	"context"
	"errors"
	"os/user"
	"slices"
	"testing"

	"github.com/bureau-foundation/prison/lib/hostcmd"
)

const chainListing = `-N PRISON-URLACL
-A PRISON-URLACL -p tcp -m tcp --sport 8080 -m owner --uid-owner 1001 -m comment --comment prison-urlacl:8080 -j ACCEPT
-A PRISON-URLACL -p tcp -m tcp --sport 9090 -m owner --uid-owner 1002 -m comment --comment prison-urlacl:9090 -j ACCEPT
-A PRISON-URLACL -p tcp -m tcp --sport 7070 -m owner --uid-owner 1000 -m comment --comment prison-urlacl:7070 -j ACCEPT
-A PRISON-URLACL -p tcp -m tcp --sport 8080 -m comment --comment prison-urlacl:8080 -j REJECT --reject-with icmp-port-unreachable
-A PRISON-URLACL -p tcp -m tcp --sport 9090 -m comment --comment prison-urlacl:9090 -j REJECT --reject-with icmp-port-unreachable
-A PRISON-URLACL -p udp -j ACCEPT
`

func lookupFrom(accounts map[uint32]string) func(uint32) (string, error) {
	return func(uid uint32) (string, error) {
		if name, ok := accounts[uid]; ok {
			return name, nil
		}
		return "", user.UnknownUserIdError(int(uid))
	}
}

func TestListClassifiesOrphans(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Respond("iptables -S "+Chain, chainListing, nil)
	manager := &IPTables{
		Runner: recorder,
		LookupUser: lookupFrom(map[uint32]string{
			1001: "prison_web_k2j9x0q",
			1000: "alice",
		}),
	}

	reservations, err := manager.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Reservation{
		{Port: 8080, UID: 1001, Owner: "prison_web_k2j9x0q"},
		{Port: 9090, UID: 1002, Owner: Orphaned},
	}
	if !slices.Equal(reservations, want) {
		t.Errorf("List = %+v, want %+v", reservations, want)
	}
}

func TestListPropagatesLookupFailures(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Respond("iptables -S "+Chain, chainListing, nil)
	broken := errors.New("nss unavailable")
	manager := &IPTables{
		Runner:     recorder,
		LookupUser: func(uint32) (string, error) { return "", broken },
	}
	if _, err := manager.List(context.Background()); !errors.Is(err, broken) {
		t.Errorf("List = %v, want %v", err, broken)
	}
}

func TestListMissingChain(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Fail("iptables -S", 1, "iptables: No chain/target/match by that name.")
	reservations, err := (&IPTables{Runner: recorder}).List(context.Background())
	if err != nil || len(reservations) != 0 {
		t.Errorf("List = %v, %v; want nothing", reservations, err)
	}
}

func TestReserveReplacesExisting(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Respond("iptables -S "+Chain, chainListing, nil)
	manager := &IPTables{Runner: recorder}

	if err := manager.Reserve(context.Background(), 8080, 1003); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	want := []string{
		"iptables -S PRISON-URLACL",
		"iptables -D PRISON-URLACL -p tcp -m tcp --sport 8080 -m owner --uid-owner 1001 -m comment --comment prison-urlacl:8080 -j ACCEPT",
		"iptables -D PRISON-URLACL -p tcp -m tcp --sport 8080 -m comment --comment prison-urlacl:8080 -j REJECT --reject-with icmp-port-unreachable",
		"iptables -I PRISON-URLACL 1 -p tcp --sport 8080 -m owner --uid-owner 1003 -m comment --comment prison-urlacl:8080 -j ACCEPT",
		"iptables -A PRISON-URLACL -p tcp --sport 8080 -m comment --comment prison-urlacl:8080 -j REJECT",
	}
	if got := recorder.Lines(); !slices.Equal(got, want) {
		t.Errorf("commands:\n%q\nwant:\n%q", got, want)
	}
}

func TestReserveIgnoresFailedCleanup(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Fail("iptables -S", 3, "iptables v1.8.9: can't initialize iptables table `filter'")
	if err := (&IPTables{Runner: recorder}).Reserve(context.Background(), 8080, 1001); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if added := recorder.Matching("iptables -I " + Chain); len(added) != 1 {
		t.Errorf("accept rules added = %q", added)
	}
}

func TestReserveRejectsBadPort(t *testing.T) {
	manager := &IPTables{Runner: &hostcmd.Recorder{}}
	for _, port := range []int{0, -1, 70000} {
		if err := manager.Reserve(context.Background(), port, 1001); err == nil {
			t.Errorf("Reserve(%d) succeeded", port)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	recorder := &hostcmd.Recorder{}
	recorder.Fail("iptables -N", 1, "iptables: Chain already exists.")
	manager := &IPTables{Runner: recorder}
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if hooks := recorder.Matching("iptables -A OUTPUT"); len(hooks) != 0 {
		t.Errorf("hook appended although -C succeeded: %q", hooks)
	}

	recorder = &hostcmd.Recorder{}
	recorder.Fail("iptables -C", 1, "iptables: Bad rule (does a matching rule exist in that chain?).")
	if err := (&IPTables{Runner: recorder}).Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if hooks := recorder.Matching("iptables -A OUTPUT -j " + Chain); len(hooks) != 1 {
		t.Errorf("hooks = %q, want one", recorder.Lines())
	}
}
