// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package principal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/prison/lib/clock"
	"github.com/bureau-foundation/prison/lib/hostcmd"
	"github.com/bureau-foundation/prison/lib/kvstore"
	"github.com/bureau-foundation/prison/lib/procfs"
	"github.com/bureau-foundation/prison/lib/retry"
	"github.com/bureau-foundation/prison/lib/secret"
	"github.com/bureau-foundation/prison/lib/testutil"
)

type harness struct {
	manager  *Manager
	recorder *hostcmd.Recorder
	store    *kvstore.SQLite
	passwd   string
	group    string
	proc     string
	clock    *clock.FakeClock
}

// newHarness builds a Manager over scratch account files. useradd
// appends to the passwd file with the test process's own uid and gid so
// chown in LoadProfile works unprivileged.
func newHarness(t *testing.T) *harness {
	t.Helper()
	directory := t.TempDir()
	h := &harness{
		recorder: &hostcmd.Recorder{},
		passwd:   filepath.Join(directory, "passwd"),
		group:    filepath.Join(directory, "group"),
		proc:     filepath.Join(directory, "proc"),
		clock:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	writeFile(t, h.passwd, "root:x:0:0:root:/root:/bin/bash\n")
	writeFile(t, h.group, "root:x:0:\n")
	os.MkdirAll(h.proc, 0o755)

	store, err := kvstore.OpenSQLite(filepath.Join(directory, "kv.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.recorder.RespondFunc("useradd", func(command hostcmd.Command) (hostcmd.Result, error) {
		args := command.Args
		username := args[len(args)-1]
		home := args[indexOf(args, "--home-dir")+1]
		appendFile(t, h.passwd, fmt.Sprintf("%s:x:%d:%d::%s:/usr/sbin/nologin\n", username, os.Getuid(), os.Getgid(), home))
		return hostcmd.Result{}, nil
	})

	h.manager = &Manager{
		Accounts: &ShadowAccounts{
			Runner:     h.recorder,
			PasswdPath: h.passwd,
			GroupPath:  h.group,
		},
		Store:         store,
		Clock:         h.clock,
		Proc:          procfs.New(h.proc),
		UserDelete:    retry.Policy{Attempts: 30, Delay: 200 * time.Millisecond},
		ProfileUnload: retry.Policy{Attempts: 30, Delay: 200 * time.Millisecond},
	}
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func appendFile(t *testing.T, path, content string) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Error(err)
		return
	}
	defer file.Close()
	file.WriteString(content)
}

func indexOf(values []string, target string) int {
	for i, value := range values {
		if value == target {
			return i
		}
	}
	return -1
}

func TestGenerateUsername(t *testing.T) {
	pattern := regexp.MustCompile(`^prison_web_[a-z0-9]{7}$`)
	username, err := GenerateUsername("web")
	if err != nil {
		t.Fatalf("GenerateUsername: %v", err)
	}
	if !pattern.MatchString(username) {
		t.Errorf("username %q does not match %s", username, pattern)
	}
	if PrefixOf(username) != "web" {
		t.Errorf("PrefixOf(%q) = %q, want web", username, PrefixOf(username))
	}

	untagged, err := GenerateUsername("")
	if err != nil {
		t.Fatalf("GenerateUsername(\"\"): %v", err)
	}
	if !regexp.MustCompile(`^prison_[a-z0-9]{7}$`).MatchString(untagged) {
		t.Errorf("untagged username %q", untagged)
	}
	if PrefixOf(untagged) != "" {
		t.Errorf("PrefixOf(%q) = %q, want empty", untagged, PrefixOf(untagged))
	}

	for _, bad := range []string{"toolong", "UP", "a_b"} {
		if _, err := GenerateUsername(bad); err == nil {
			t.Errorf("GenerateUsername(%q) accepted an invalid prefix", bad)
		}
	}
}

func TestGeneratePassword(t *testing.T) {
	password := string(GeneratePassword())
	if !regexp.MustCompile(`^Pr!5[A-Za-z0-9]{10}$`).MatchString(password) {
		t.Errorf("password %q does not have the expected shape", password)
	}
}

func TestCreateStoresCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	principal, err := h.manager.New("api")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer principal.Close()

	if err := h.manager.Create(ctx, principal, "/srv/prisons/api"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !principal.Created() {
		t.Error("Created() = false after Create")
	}

	useradd := h.recorder.Matching("useradd")
	want := "useradd --no-create-home --user-group --home-dir /srv/prisons/api --shell /usr/sbin/nologin " + principal.Username()
	if len(useradd) != 1 || useradd[0] != want {
		t.Errorf("useradd calls = %q, want [%q]", useradd, want)
	}

	var chpasswdInput string
	for _, command := range h.recorder.Commands() {
		if command.Name == "chpasswd" {
			chpasswdInput = string(command.Stdin)
		}
	}
	if chpasswdInput != principal.Username()+":"+principal.Password().String()+"\n" {
		t.Errorf("chpasswd stdin has the wrong shape")
	}

	stored, found, err := h.store.Read(ctx, CredentialGroup, principal.Username())
	if err != nil || !found {
		t.Fatalf("credential not stored: found=%v err=%v", found, err)
	}
	if !principal.Password().Equal(stored) {
		t.Error("stored credential differs from the principal's password")
	}

	if err := h.manager.Create(ctx, principal, "/srv/prisons/api"); !errors.Is(err, ErrAlreadyCreated) {
		t.Errorf("second Create = %v, want ErrAlreadyCreated", err)
	}
}

func TestCreateRejectsExistingAccount(t *testing.T) {
	h := newHarness(t)
	appendFile(t, h.passwd, "prison_x_abcdefg:x:1600:1600::/tmp:/usr/sbin/nologin\n")

	password, err := secret.NewFromBytes([]byte("Pr!5abcdefghij"))
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	principal := &Principal{username: "prison_x_abcdefg", password: password}
	defer principal.Close()

	err = h.manager.Create(context.Background(), principal, "/tmp")
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("Create over existing account = %v, want ErrUserExists", err)
	}
	if len(h.recorder.Matching("useradd")) != 0 {
		t.Error("useradd ran for an existing account")
	}
}

func TestDeleteNotCreated(t *testing.T) {
	h := newHarness(t)
	principal, err := h.manager.New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer principal.Close()

	if err := h.manager.Delete(context.Background(), principal); !errors.Is(err, ErrNotCreated) {
		t.Errorf("Delete before Create = %v, want ErrNotCreated", err)
	}
}

func TestDeleteRetriesWhileBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	username := "prison_busy_abcdefg"
	if err := h.store.Save(ctx, CredentialGroup, username, []byte("Pr!5x")); err != nil {
		t.Fatal(err)
	}

	var attempts atomic.Int32
	h.recorder.RespondFunc("userdel", func(command hostcmd.Command) (hostcmd.Result, error) {
		if attempts.Add(1) <= 2 {
			return hostcmd.Result{}, &hostcmd.ExitError{Command: command.String(), Code: userdelLoggedIn, Stderr: "user is currently used by process 4242"}
		}
		return hostcmd.Result{}, nil
	})

	result := make(chan error, 1)
	go func() {
		result <- h.manager.Delete(ctx, h.manager.Attach(username))
	}()
	for range 2 {
		h.clock.WaitForTimers(1)
		h.clock.Advance(200 * time.Millisecond)
	}

	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for Delete"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("userdel attempts = %d, want 3", attempts.Load())
	}
	if _, found, _ := h.store.Read(ctx, CredentialGroup, username); found {
		t.Error("credential survived Delete")
	}
}

func TestDeleteMissingAccountStillClearsCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	username := "prison_gone_abcdefg"
	h.store.Save(ctx, CredentialGroup, username, []byte("Pr!5x"))
	h.recorder.Fail("userdel", userdelNoSuchUser, "userdel: user '"+username+"' does not exist")

	err := h.manager.Delete(ctx, h.manager.Attach(username))
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Delete = %v, want ErrUserNotFound", err)
	}
	if _, found, _ := h.store.Read(ctx, CredentialGroup, username); found {
		t.Error("credential survived Delete of a missing account")
	}
}

func TestListSkipsAccountsWithoutCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	appendFile(t, h.passwd, strings.Join([]string{
		"prison_web_aaaaaaa:x:1501:1501::/srv/a:/usr/sbin/nologin",
		"prison_web_bbbbbbb:x:1502:1502::/srv/b:/usr/sbin/nologin",
		"prison_db_ccccccc:x:1503:1503::/srv/c:/usr/sbin/nologin",
		"prison_ddddddd:x:1504:1504::/srv/d:/usr/sbin/nologin",
		"alice:x:1000:1000::/home/alice:/bin/bash",
	}, "\n")+"\n")
	for _, username := range []string{"prison_web_aaaaaaa", "prison_db_ccccccc", "prison_ddddddd", "alice"} {
		h.store.Save(ctx, CredentialGroup, username, []byte("Pr!5x"))
	}

	all, err := h.manager.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Listing{
		{Username: "prison_web_aaaaaaa", Prefix: "web"},
		{Username: "prison_db_ccccccc", Prefix: "db"},
		{Username: "prison_ddddddd", Prefix: ""},
	}
	if fmt.Sprint(all) != fmt.Sprint(want) {
		t.Errorf("List() = %v, want %v", all, want)
	}

	filtered, err := h.manager.List(ctx, "web")
	if err != nil {
		t.Fatalf("List(web): %v", err)
	}
	if len(filtered) != 1 || filtered[0].Username != "prison_web_aaaaaaa" {
		t.Errorf("List(web) = %v", filtered)
	}
}

func TestLookupSupplementaryGroups(t *testing.T) {
	h := newHarness(t)
	appendFile(t, h.passwd, "prison_g_aaaaaaa:x:1501:1501::/srv/g:/usr/sbin/nologin\n")
	appendFile(t, h.group, "prison_g_aaaaaaa:x:1501:\nprisons_filesys:x:990:prison_g_aaaaaaa,other\nwww-data:x:33:prison_g_aaaaaaa\nstaff:x:50:other\n")

	credential, err := h.manager.Credential(context.Background(), h.manager.Attach("prison_g_aaaaaaa"))
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if credential.UID != 1501 || credential.GID != 1501 || credential.Home != "/srv/g" {
		t.Errorf("Credential = %+v", credential)
	}
	if fmt.Sprint(credential.Groups) != "[990 33]" {
		t.Errorf("Groups = %v, want [990 33]", credential.Groups)
	}

	members, err := h.manager.Accounts.GroupMembers(context.Background(), "prisons_filesys")
	if err != nil || fmt.Sprint(members) != "[prison_g_aaaaaaa other]" {
		t.Errorf("GroupMembers = %v, %v", members, err)
	}

	if _, err := h.manager.Credential(context.Background(), h.manager.Attach("prison_nobody")); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Credential of missing user = %v, want ErrUserNotFound", err)
	}
}

func TestRemoveFromGroupToleratesNonMember(t *testing.T) {
	h := newHarness(t)
	h.recorder.Fail("gpasswd --delete", 3, "gpasswd: user 'x' is not a member of 'www-data'")
	if err := h.manager.Accounts.RemoveFromGroup(context.Background(), "x", "www-data"); err != nil {
		t.Errorf("RemoveFromGroup of a non-member: %v", err)
	}
}

func TestProfileLoadAndUnload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	principal, err := h.manager.New("prof")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer principal.Close()
	home := t.TempDir()
	if err := h.manager.Create(ctx, principal, home); err != nil {
		t.Fatalf("Create: %v", err)
	}

	profile := filepath.Join(home, "profile")
	if err := h.manager.LoadProfile(ctx, principal, profile); err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if info, err := os.Stat(profile); err != nil || info.Mode().Perm() != 0o700 {
		t.Fatalf("profile dir = %v, %v", info, err)
	}
	if !principal.ProfileLoaded() {
		t.Error("ProfileLoaded() = false after LoadProfile")
	}

	// A process owned by the principal's uid keeps the profile in use
	// until it disappears from /proc.
	processDirectory := filepath.Join(h.proc, "4242")
	os.MkdirAll(processDirectory, 0o755)
	writeFile(t, filepath.Join(processDirectory, "status"), "Uid:\t"+strconv.Itoa(os.Getuid())+"\t0\t0\t0\n")

	result := make(chan error, 1)
	go func() { result <- h.manager.UnloadProfile(ctx, principal) }()

	h.clock.WaitForTimers(1)
	os.RemoveAll(processDirectory)
	h.clock.Advance(200 * time.Millisecond)

	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for UnloadProfile"); err != nil {
		t.Fatalf("UnloadProfile: %v", err)
	}
	if principal.ProfileLoaded() {
		t.Error("ProfileLoaded() = true after UnloadProfile")
	}

	if err := h.manager.DeleteProfile(principal, profile); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if _, err := os.Stat(profile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("profile still present: %v", err)
	}
}

func TestUnloadProfileExhausts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.manager.ProfileUnload = retry.Policy{Attempts: 2, Delay: 200 * time.Millisecond}
	appendFile(t, h.passwd, "prison_stuck_aaaaaaa:x:1777:1777::/srv/s:/usr/sbin/nologin\n")
	os.MkdirAll(filepath.Join(h.proc, "99"), 0o755)
	writeFile(t, filepath.Join(h.proc, "99", "status"), "Uid:\t1777\t1777\t1777\t1777\n")

	result := make(chan error, 1)
	go func() { result <- h.manager.UnloadProfile(ctx, h.manager.Attach("prison_stuck_aaaaaaa")) }()
	h.clock.WaitForTimers(1)
	h.clock.Advance(200 * time.Millisecond)

	err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for UnloadProfile")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("UnloadProfile = %v, want ErrExhausted", err)
	}
}
