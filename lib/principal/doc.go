// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package principal manages the system accounts prisons run as.
//
// Each prison gets a dedicated account named prison_<tag>_<random7>
// (or prison_<random7> without a tag) and a generated password of the
// form Pr!5<random10>. The password lives in a [secret.Buffer] and is
// stored in the credential store under the "prison_users" group;
// [Manager.List] only reports accounts that have a stored credential,
// so stray accounts matching the prefix are ignored.
//
// Account changes go through the [Accounts] interface. [ShadowAccounts]
// drives useradd, userdel, chpasswd, groupadd and gpasswd through a
// hostcmd.Runner and reads /etc/passwd and /etc/group directly.
//
// The "profile" of a principal is its <home>/profile directory. It is
// loaded by creating it with the principal's ownership, and it is in
// use while any process runs with the principal's uid. Unloading waits
// for those processes under a bounded retry policy; deleting the
// account likewise retries while userdel reports the user busy.
package principal
