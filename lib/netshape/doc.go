// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netshape throttles outbound traffic per principal and per
// local port.
//
// The egress interface carries an HTB qdisc 1: with a root class 1:1
// at link rate, managed over rtnetlink with
// github.com/vishvananda/netlink. Each policy is a child class
// 1:<minor> whose rate and ceiling are the policy rate, plus an
// iptables mangle OUTPUT rule that CLASSIFYs the policy's packets
// (selected by --uid-owner or by TCP source port) into that class.
// Policies are recorded in the kvstore group "network_policies" so they
// can be listed and removed by name from any process.
package netshape
