// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"errors"
	"io/fs"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/prison/cmd/prison/cli"
	"github.com/bureau-foundation/prison/cmd/prison/cli/doctor"
	"github.com/bureau-foundation/prison/lib/cell"
	"github.com/bureau-foundation/prison/lib/rules"
)

func TestEveryCommandBindsItsFlags(t *testing.T) {
	var walk func(command *cli.Command)
	walk = func(command *cli.Command) {
		if command.Flags != nil {
			// FlagsFromParams panics on a bad params struct.
			flagSet := command.Flags()
			if flagSet == nil {
				t.Errorf("%s: Flags() returned nil", command.Name)
			}
		}
		for _, sub := range command.Subcommands {
			walk(sub)
		}
	}
	walk(Root())
}

func TestConfigFlagOnEveryEnvironmentVerb(t *testing.T) {
	for _, command := range Root().Subcommands {
		if command.Name == "version" {
			continue
		}
		if command.Flags().Lookup("config") == nil {
			t.Errorf("%s has no --config flag", command.Name)
		}
	}
}

func noFile(string) ([]byte, error) { return nil, fs.ErrNotExist }

func TestBuildSpecFromFlags(t *testing.T) {
	spec, err := buildSpec(RuleFlags{
		Cells:       "memory,cpu,firewall",
		Memory:      "512M",
		CPU:         "25%",
		Processes:   20,
		Priority:    "below-normal",
		DiskQuota:   "1G",
		Home:        "/srv/prisons/build",
		NetworkRate: "8M",
		PortRate:    "unlimited",
		URLPort:     8080,
	}, noFile)
	if err != nil {
		t.Fatalf("buildSpec: %v", err)
	}
	if want := rules.Memory | rules.CPU | rules.Firewall; spec.Cells != want {
		t.Errorf("Cells = %s, want %s", spec.Cells, want)
	}
	if spec.MemoryLimitBytes != 512<<20 {
		t.Errorf("MemoryLimitBytes = %d", spec.MemoryLimitBytes)
	}
	if spec.CPUPercentLimit != 25 {
		t.Errorf("CPUPercentLimit = %d", spec.CPUPercentLimit)
	}
	if spec.ActiveProcessLimit != 20 {
		t.Errorf("ActiveProcessLimit = %d", spec.ActiveProcessLimit)
	}
	if spec.Priority == nil || *spec.Priority != rules.BelowNormal {
		t.Errorf("Priority = %v, want below-normal", spec.Priority)
	}
	if spec.DiskQuotaBytes != 1<<30 {
		t.Errorf("DiskQuotaBytes = %d", spec.DiskQuotaBytes)
	}
	if spec.HomePath != "/srv/prisons/build" {
		t.Errorf("HomePath = %q", spec.HomePath)
	}
	if spec.NetworkOutboundBPS != 8_000_000 {
		t.Errorf("NetworkOutboundBPS = %d", spec.NetworkOutboundBPS)
	}
	if spec.AppPortOutboundBPS != -1 {
		t.Errorf("AppPortOutboundBPS = %d, want -1", spec.AppPortOutboundBPS)
	}
	if spec.URLPort != 8080 {
		t.Errorf("URLPort = %d", spec.URLPort)
	}
}

func TestBuildSpecDefaultsDisableDiskQuota(t *testing.T) {
	spec, err := buildSpec(RuleFlags{}, noFile)
	if err != nil {
		t.Fatalf("buildSpec: %v", err)
	}
	if spec.DiskQuotaEnabled() {
		t.Errorf("disk quota enabled by default (%d)", spec.DiskQuotaBytes)
	}
	if spec.Cells != rules.None {
		t.Errorf("Cells = %s, want none", spec.Cells)
	}
}

func TestBuildSpecFlagsOverrideRulesFile(t *testing.T) {
	file := []byte(`
cells: memory,filesystem
memory_limit_bytes: 1073741824
home_path: /srv/prisons/web
disk_quota_bytes: 2048
`)
	readFile := func(path string) ([]byte, error) {
		if path != "rules.yaml" {
			t.Fatalf("read %q, want rules.yaml", path)
		}
		return file, nil
	}
	spec, err := buildSpec(RuleFlags{RulesPath: "rules.yaml", Memory: "256M", DiskQuota: "none"}, readFile)
	if err != nil {
		t.Fatalf("buildSpec: %v", err)
	}
	if spec.Cells != rules.Memory|rules.Filesystem {
		t.Errorf("Cells = %s, want the file's cells", spec.Cells)
	}
	if spec.MemoryLimitBytes != 256<<20 {
		t.Errorf("MemoryLimitBytes = %d, want the flag's value", spec.MemoryLimitBytes)
	}
	if spec.HomePath != "/srv/prisons/web" {
		t.Errorf("HomePath = %q, want the file's value", spec.HomePath)
	}
	if spec.DiskQuotaEnabled() {
		t.Errorf("--disk-quota none left the quota at %d", spec.DiskQuotaBytes)
	}
}

func TestBuildSpecRejectsBadValues(t *testing.T) {
	cases := map[string]RuleFlags{
		"cells":    {Cells: "memory,jail"},
		"memory":   {Memory: "lots"},
		"cpu":      {CPU: "150%"},
		"priority": {Priority: "urgent"},
		"rate":     {NetworkRate: "-5"},
		"port":     {URLPort: 70000, Home: "/tmp"},
		"no home":  {Cells: "memory"},
	}
	for name, flags := range cases {
		if _, err := buildSpec(flags, noFile); err == nil {
			t.Errorf("%s: buildSpec accepted %+v", name, flags)
		}
	}
	if _, err := buildSpec(RuleFlags{RulesPath: "missing.yaml"}, noFile); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing rules file: err = %v, want ErrNotExist", err)
	}
}

func TestOrphanFilter(t *testing.T) {
	live := liveState{
		users: map[string]bool{"prison_build_ab12cd3": true},
		ports: map[int]bool{8080: true},
	}
	instances := []cell.InstanceInfo{
		{Name: "prison_build_ab12cd3", Info: "/srv/prisons/build"},
		{Name: "prison_web_zz99yy8", Info: "/srv/prisons/web"},
		{Name: "prison_8080", Info: "1000000 bps"},
		{Name: "prison_9090", Info: "1000000 bps"},
		{Name: "orphaned", Info: "port 7070"},
		{Name: "prison_old_qq11ww2", Info: "orphaned"},
		{Name: "www-data", Info: "member of web"},
	}
	var names []string
	for _, instance := range live.orphans(instances) {
		names = append(names, instance.Name)
	}
	want := []string{"prison_web_zz99yy8", "prison_9090", "orphaned", "prison_old_qq11ww2"}
	if !slices.Equal(names, want) {
		t.Errorf("orphans = %v, want %v", names, want)
	}
}

func TestPortPolicy(t *testing.T) {
	for name, want := range map[string]int{"prison_8080": 8080, "prison_build_ab12cd3": 0, "prison_0": 0, "prison_99999": 0, "other_80": 0} {
		port, ok := portPolicy(name)
		if port != want || ok != (want != 0) {
			t.Errorf("portPolicy(%q) = %d, %v; want %d", name, port, ok, want)
		}
	}
}

func TestParseEnv(t *testing.T) {
	variables, err := parseEnv([]string{"LANG=C", "EMPTY=", "LANG=en_US.UTF-8", "EQ=a=b"})
	if err != nil {
		t.Fatalf("parseEnv: %v", err)
	}
	if variables["LANG"] != "en_US.UTF-8" || variables["EMPTY"] != "" || variables["EQ"] != "a=b" {
		t.Errorf("parseEnv = %v", variables)
	}
	if _, ok := variables["EMPTY"]; !ok {
		t.Error("EMPTY= was dropped")
	}
	for _, bad := range []string{"NOVALUE", "=value"} {
		if _, err := parseEnv([]string{bad}); err == nil {
			t.Errorf("parseEnv accepted %q", bad)
		}
	}
}

func TestRunOptionsSplitProgramFromArguments(t *testing.T) {
	args := []string{"0f8c1e2a-0000-4000-8000-000000000001", "sh", "-c", "exit 67"}
	options := runOptions(args[1:], "/srv/work", map[string]string{"LANG": "C"})
	if options.Filename != "sh" {
		t.Errorf("Filename = %q, want sh", options.Filename)
	}
	if !slices.Equal(options.Args, []string{"-c", "exit 67"}) {
		t.Errorf("Args = %q, want the arguments after the program", options.Args)
	}
	if options.Dir != "/srv/work" || options.Env["LANG"] != "C" {
		t.Errorf("Dir %q Env %v not carried over", options.Dir, options.Env)
	}

	bare := runOptions([]string{"/bin/true"}, "", nil)
	if bare.Filename != "/bin/true" || len(bare.Args) != 0 {
		t.Errorf("bare program = %q %q, want no arguments", bare.Filename, bare.Args)
	}
}

func TestWriteListShowsCellTables(t *testing.T) {
	result := listResult{
		Prisons: []prisonSummary{{ID: "0f8c", Tag: "build", Username: "prison_build_ab12cd3", Locked: true, Cells: "memory", CreatedAt: "2026-10-01 12:00:00"}},
		Cells: []cellInstances{{
			Kind:      "firewall",
			Instances: []cell.InstanceInfo{{Name: "prison_build_ab12cd3", Info: "port 8080"}},
		}},
	}
	var buffer bytes.Buffer
	if err := writeList(&buffer, result, true); err != nil {
		t.Fatalf("writeList: %v", err)
	}
	output := buffer.String()
	for _, want := range []string{"prison_build_ab12cd3", "firewall", "Info", "port 8080", "true"} {
		if !strings.Contains(output, want) {
			t.Errorf("list output missing %q:\n%s", want, output)
		}
	}

	buffer.Reset()
	if err := writeList(&buffer, result, false); err != nil {
		t.Fatalf("writeList: %v", err)
	}
	if strings.Contains(buffer.String(), "Locked") {
		t.Errorf("orphan listing printed the prison table:\n%s", buffer.String())
	}
}

func TestRequireID(t *testing.T) {
	if _, err := requireID("run", nil); err == nil {
		t.Error("requireID accepted no arguments")
	}
	if _, err := requireID("run", []string{"not-a-uuid"}); err == nil {
		t.Error("requireID accepted a malformed id")
	}
	id, err := requireID("run", []string{"6f1c2a3e-8b8e-4b7c-9d1e-2f3a4b5c6d7e", "/bin/sh"})
	if err != nil || id.String() != "6f1c2a3e-8b8e-4b7c-9d1e-2f3a4b5c6d7e" {
		t.Errorf("requireID = %v, %v", id, err)
	}
}

func TestDoctorReportsUnreadableConfiguration(t *testing.T) {
	params := &ConfigParams{ConfigPath: t.TempDir() + "/missing.yaml"}
	results := runChecks(params, func(string) (string, error) { return "/usr/bin/x", nil })
	last := results[len(results)-1]
	if last.Name != "configuration" || last.Status != doctor.StatusFail {
		t.Errorf("last result = %+v, want a failed configuration check", last)
	}
}

func TestRate(t *testing.T) {
	for bps, want := range map[int64]string{-1: "unlimited", 0: "default", 8000: "8000 bps"} {
		if got := rate(bps); got != want {
			t.Errorf("rate(%d) = %q, want %q", bps, got, want)
		}
	}
}
