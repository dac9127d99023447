// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Prison is the command-line front end for single-host sandboxes:
//
//	prison create --tag build
//	prison lockdown <id> --home /srv/prisons/build --cells memory,cpu,filesystem --memory 512M
//	prison run <id> -- make test
//	prison destroy <id>
//
// Run "prison --help" for the full command list. The binary doubles as
// its own launch trampoline, so launch.Init runs before anything else.
package main
