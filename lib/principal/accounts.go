// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/secret"
)

var (
	// ErrUserNotFound reports a system account that does not exist.
	ErrUserNotFound = errors.New("system user not found")

	// ErrUserExists reports an attempt to create an account that is
	// already present.
	ErrUserExists = errors.New("system user already exists")

	// ErrUserBusy reports an account that cannot be removed because it
	// still owns running processes.
	ErrUserBusy = errors.New("system user is in use")
)

// Credential is the resolved identity a process runs under.
type Credential struct {
	Username string
	UID      uint32
	GID      uint32
	Groups   []uint32
	Home     string
	Shell    string
}

// Accounts manages system accounts and groups.
type Accounts interface {
	// CreateUser adds an account with home directory home and sets its
	// password. Returns ErrUserExists if the name is taken.
	CreateUser(ctx context.Context, username string, password *secret.Buffer, home string) error

	// DeleteUser removes the account. Returns ErrUserNotFound if it is
	// absent and ErrUserBusy while it still runs processes.
	DeleteUser(ctx context.Context, username string) error

	// Lookup resolves an account. Returns ErrUserNotFound if absent.
	Lookup(ctx context.Context, username string) (Credential, error)

	// ListUsers returns every account name.
	ListUsers(ctx context.Context) ([]string, error)

	// EnsureGroup creates a group if it does not exist.
	EnsureGroup(ctx context.Context, group string) error

	// AddToGroup and RemoveFromGroup manage supplementary membership.
	// Removing a non-member is not an error.
	AddToGroup(ctx context.Context, username, group string) error
	RemoveFromGroup(ctx context.Context, username, group string) error

	// GroupMembers lists the supplementary members of group. A missing
	// group has no members.
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// ShadowAccounts implements Accounts with the shadow-utils tools and
// the account databases in /etc.
type ShadowAccounts struct {
	Runner hostcmd.Runner

	// PasswdPath and GroupPath default to /etc/passwd and /etc/group.
	PasswdPath string
	GroupPath  string

	// Shell is the login shell for new accounts. Defaults to
	// /usr/sbin/nologin: prison processes are started directly, never
	// through a login.
	Shell string
}

// Exit statuses documented in useradd(8) and userdel(8).
const (
	useraddNameInUse  = 9
	userdelNoSuchUser = 6
	userdelLoggedIn   = 8
	groupaddNameInUse = 9
)

func (s *ShadowAccounts) passwdPath() string {
	if s.PasswdPath == "" {
		return "/etc/passwd"
	}
	return s.PasswdPath
}

func (s *ShadowAccounts) groupPath() string {
	if s.GroupPath == "" {
		return "/etc/group"
	}
	return s.GroupPath
}

// CreateUser implements Accounts. The account gets its own primary
// group and no home directory; the caller creates the home with the
// ownership and ACLs it needs.
func (s *ShadowAccounts) CreateUser(ctx context.Context, username string, password *secret.Buffer, home string) error {
	shell := s.Shell
	if shell == "" {
		shell = "/usr/sbin/nologin"
	}

	_, err := s.Runner.Run(ctx, hostcmd.Command{
		Name: "useradd",
		Args: []string{"--no-create-home", "--user-group", "--home-dir", home, "--shell", shell, username},
	})
	if code, ok := hostcmd.ExitCode(err); ok && code == useraddNameInUse {
		return fmt.Errorf("%s: %w", username, ErrUserExists)
	}
	if err != nil {
		return err
	}

	stdin := make([]byte, 0, len(username)+password.Len()+2)
	stdin = append(stdin, username...)
	stdin = append(stdin, ':')
	stdin = append(stdin, password.Bytes()...)
	stdin = append(stdin, '\n')
	_, err = s.Runner.Run(ctx, hostcmd.Command{Name: "chpasswd", Stdin: stdin})
	clear(stdin)
	if err != nil {
		return fmt.Errorf("setting password for %s: %w", username, err)
	}
	return nil
}

// DeleteUser implements Accounts.
func (s *ShadowAccounts) DeleteUser(ctx context.Context, username string) error {
	_, err := s.Runner.Run(ctx, hostcmd.Command{Name: "userdel", Args: []string{username}})
	if code, ok := hostcmd.ExitCode(err); ok {
		switch code {
		case userdelNoSuchUser:
			return fmt.Errorf("%s: %w", username, ErrUserNotFound)
		case userdelLoggedIn:
			return fmt.Errorf("%s: %w", username, ErrUserBusy)
		}
	}
	return err
}

// Lookup implements Accounts.
func (s *ShadowAccounts) Lookup(_ context.Context, username string) (Credential, error) {
	entries, err := readPasswd(s.passwdPath())
	if err != nil {
		return Credential{}, err
	}
	var entry *passwdEntry
	for i := range entries {
		if entries[i].name == username {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return Credential{}, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}

	groups, err := readGroups(s.groupPath())
	if err != nil {
		return Credential{}, err
	}
	credential := Credential{
		Username: username,
		UID:      entry.uid,
		GID:      entry.gid,
		Home:     entry.home,
		Shell:    entry.shell,
	}
	for _, group := range groups {
		if group.gid != entry.gid && group.hasMember(username) {
			credential.Groups = append(credential.Groups, group.gid)
		}
	}
	return credential, nil
}

// ListUsers implements Accounts.
func (s *ShadowAccounts) ListUsers(context.Context) ([]string, error) {
	entries, err := readPasswd(s.passwdPath())
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.name
	}
	return names, nil
}

// EnsureGroup implements Accounts.
func (s *ShadowAccounts) EnsureGroup(ctx context.Context, group string) error {
	_, err := s.Runner.Run(ctx, hostcmd.Command{Name: "groupadd", Args: []string{"--system", group}})
	if code, ok := hostcmd.ExitCode(err); ok && code == groupaddNameInUse {
		return nil
	}
	return err
}

// AddToGroup implements Accounts.
func (s *ShadowAccounts) AddToGroup(ctx context.Context, username, group string) error {
	_, err := s.Runner.Run(ctx, hostcmd.Command{Name: "gpasswd", Args: []string{"--add", username, group}})
	return err
}

// RemoveFromGroup implements Accounts.
func (s *ShadowAccounts) RemoveFromGroup(ctx context.Context, username, group string) error {
	_, err := s.Runner.Run(ctx, hostcmd.Command{Name: "gpasswd", Args: []string{"--delete", username, group}})
	if hostcmd.StderrContains(err, "is not a member") || hostcmd.StderrContains(err, "does not exist") {
		return nil
	}
	return err
}

// GroupMembers implements Accounts.
func (s *ShadowAccounts) GroupMembers(_ context.Context, group string) ([]string, error) {
	groups, err := readGroups(s.groupPath())
	if err != nil {
		return nil, err
	}
	for _, entry := range groups {
		if entry.name == group {
			return append([]string(nil), entry.members...), nil
		}
	}
	return nil, nil
}

// UsernameForUID resolves a uid through the system user database. An
// unknown uid returns an error wrapping user.UnknownUserIdError.
func UsernameForUID(uid uint32) (string, error) {
	account, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	return account.Username, nil
}
