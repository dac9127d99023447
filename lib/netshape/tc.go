// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netshape

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// rootMajor is the HTB qdisc handle (1:) and rootMinor the class every
// prison class hangs off (1:1).
const (
	rootMajor = 1
	rootMinor = 1
)

// TrafficControl manages the HTB hierarchy on the egress interface.
type TrafficControl interface {
	// EnsureRoot installs the HTB qdisc 1: and its root class 1:1.
	EnsureRoot(linkRateBPS uint64) error

	// ReplaceClass creates or updates class 1:<minor> capped at rate.
	ReplaceClass(minor uint16, rateBPS uint64) error

	// DeleteClass removes class 1:<minor>. A missing class is not an
	// error.
	DeleteClass(minor uint16) error
}

// Netlink implements TrafficControl over rtnetlink.
type Netlink struct {
	Interface string
}

func (n Netlink) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(n.Interface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", n.Interface, err)
	}
	return link, nil
}

// EnsureRoot implements TrafficControl. Unclassified traffic goes to
// the HTB direct queue and is not shaped.
func (n Netlink) EnsureRoot(linkRateBPS uint64) error {
	link, err := n.link()
	if err != nil {
		return err
	}
	index := link.Attrs().Index

	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: index,
		Handle:    netlink.MakeHandle(rootMajor, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscReplace(qdisc); err != nil {
		return fmt.Errorf("installing htb qdisc on %s: %w", n.Interface, err)
	}

	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: index,
		Parent:    netlink.MakeHandle(rootMajor, 0),
		Handle:    netlink.MakeHandle(rootMajor, rootMinor),
	}, netlink.HtbClassAttrs{Rate: linkRateBPS, Ceil: linkRateBPS})
	if err := netlink.ClassReplace(class); err != nil {
		return fmt.Errorf("installing root class on %s: %w", n.Interface, err)
	}
	return nil
}

func (n Netlink) class(index int, minor uint16, rateBPS uint64) *netlink.HtbClass {
	return netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: index,
		Parent:    netlink.MakeHandle(rootMajor, rootMinor),
		Handle:    netlink.MakeHandle(rootMajor, minor),
	}, netlink.HtbClassAttrs{Rate: rateBPS, Ceil: rateBPS})
}

// ReplaceClass implements TrafficControl.
func (n Netlink) ReplaceClass(minor uint16, rateBPS uint64) error {
	link, err := n.link()
	if err != nil {
		return err
	}
	if err := netlink.ClassReplace(n.class(link.Attrs().Index, minor, rateBPS)); err != nil {
		return fmt.Errorf("installing class 1:%x on %s: %w", minor, n.Interface, err)
	}
	return nil
}

// DeleteClass implements TrafficControl.
func (n Netlink) DeleteClass(minor uint16) error {
	link, err := n.link()
	if err != nil {
		return err
	}
	// HTB needs a valid rate to parse the class even on delete.
	err = netlink.ClassDel(n.class(link.Attrs().Index, minor, 8))
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("deleting class 1:%x on %s: %w", minor, n.Interface, err)
	}
	return nil
}
