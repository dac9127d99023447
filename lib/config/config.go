// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/prison/lib/retry"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for workstations and test machines.
	Development Environment = "development"
	// Production is for hosts that run untrusted workloads.
	Production Environment = "production"
)

// Credential store backends.
const (
	CredentialsDatabase = "database"
	CredentialsKeyring  = "keyring"
)

// Resource group backends. Auto selects cgroup when the cgroup v2
// hierarchy is mounted at Paths.CgroupRoot and tracked otherwise.
const (
	GroupsAuto    = "auto"
	GroupsCgroup  = "cgroup"
	GroupsTracked = "tracked"
)

// Config is the master configuration for the prison runtime.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Paths          PathsConfig          `yaml:"paths"`
	Credentials    CredentialsConfig    `yaml:"credentials"`
	ResourceGroups ResourceGroupsConfig `yaml:"resource_groups"`
	Filesystem     FilesystemConfig     `yaml:"filesystem"`
	Network        NetworkConfig        `yaml:"network"`
	WebGroup       WebGroupConfig       `yaml:"web_group"`
	Executor       ExecutorConfig       `yaml:"executor"`
	Guard          GuardConfig          `yaml:"guard"`
	Retry          RetryConfig          `yaml:"retry"`

	// Per-environment overrides, applied after the base file is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can differ per
// environment. Empty fields inside a present section leave the base
// value alone.
type ConfigOverrides struct {
	Paths          *PathsConfig          `yaml:"paths,omitempty"`
	Credentials    *CredentialsConfig    `yaml:"credentials,omitempty"`
	ResourceGroups *ResourceGroupsConfig `yaml:"resource_groups,omitempty"`
	Executor       *ExecutorConfig       `yaml:"executor,omitempty"`
}

// PathsConfig configures file and directory locations.
type PathsConfig struct {
	// State holds durable data: prison records under State/prisons.
	State string `yaml:"state"`

	// Run holds runtime coordination files: group lock and member
	// files, guard discharge sockets, station sockets.
	Run string `yaml:"run"`

	// Database is the SQLite file behind the credential store and the
	// network policy table.
	Database string `yaml:"database"`

	// CgroupRoot is the mount point of the cgroup v2 unified hierarchy.
	CgroupRoot string `yaml:"cgroup_root"`

	// Bin is where the prison helper binaries (prison-guard,
	// prison-executor) are installed.
	Bin string `yaml:"bin"`
}

// CredentialsConfig selects where principal passwords are stored.
type CredentialsConfig struct {
	// Backend is "database" or "keyring".
	Backend string `yaml:"backend"`

	// KeyringService prefixes keyring service names.
	KeyringService string `yaml:"keyring_service"`
}

// ResourceGroupsConfig selects the resource group implementation.
type ResourceGroupsConfig struct {
	// Backend is "auto", "cgroup" or "tracked".
	Backend string `yaml:"backend"`

	// Slice is the cgroup directory under CgroupRoot that holds every
	// prison group.
	Slice string `yaml:"slice"`
}

// FilesystemConfig configures the filesystem cell.
type FilesystemConfig struct {
	// Group is the system group every prison principal joins and that
	// deny ACLs are written against.
	Group string `yaml:"group"`

	// ProbeRoots are the trees the init probe walks looking for
	// directories an unprivileged user can write to.
	ProbeRoots []string `yaml:"probe_roots"`
}

// NetworkConfig configures outbound traffic shaping.
type NetworkConfig struct {
	// Interface is the egress interface the HTB qdisc is attached to.
	// Empty disables network shaping: the network cell applies nothing.
	Interface string `yaml:"interface"`

	// LinkRateBPS is the rate of the root class and the ceiling for
	// every prison class.
	LinkRateBPS int64 `yaml:"link_rate_bps"`

	// DefaultRateBPS is used when a rule enables the network cell
	// without an outbound rate.
	DefaultRateBPS int64 `yaml:"default_rate_bps"`
}

// WebGroupConfig configures the web group cell.
type WebGroupConfig struct {
	Name string `yaml:"name"`
}

// ExecutorConfig configures the privileged launch relay.
type ExecutorConfig struct {
	// Socket is the relay's Unix socket. Empty disables the relay; an
	// unprivileged caller then cannot execute in a prison.
	Socket string `yaml:"socket"`

	// RequestsPerSecond and Burst bound how fast one relay accepts
	// launch requests.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// GuardConfig configures the guard watcher process.
type GuardConfig struct {
	// Binary is the watcher executable, resolved through BinaryPath.
	Binary string `yaml:"binary"`

	// PollInterval is how often the watcher samples the guard group.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RetryConfig holds the bounded polling policies.
type RetryConfig struct {
	ProfileUnload retry.Policy `yaml:"profile_unload"`
	UserDelete    retry.Policy `yaml:"user_delete"`
	QuotaInit     retry.Policy `yaml:"quota_init"`
	GuardStart    retry.Policy `yaml:"guard_start"`
}

// Default returns the default configuration. The file is still
// required; these values fill every field the file leaves out.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State:      "/var/lib/prison",
			Run:        "/run/prison",
			Database:   "${PRISON_STATE}/prison.db",
			CgroupRoot: "/sys/fs/cgroup",
			Bin:        "/usr/local/libexec/prison",
		},
		Credentials: CredentialsConfig{
			Backend:        CredentialsDatabase,
			KeyringService: "prison/",
		},
		ResourceGroups: ResourceGroupsConfig{
			Backend: GroupsAuto,
			Slice:   "prison.slice",
		},
		Filesystem: FilesystemConfig{
			Group:      "prisons_filesys",
			ProbeRoots: []string{"/home", "/opt", "/srv", "/tmp", "/var"},
		},
		Network: NetworkConfig{
			LinkRateBPS:    1_000_000_000,
			DefaultRateBPS: 10_000_000,
		},
		WebGroup: WebGroupConfig{Name: "www-data"},
		Executor: ExecutorConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Guard: GuardConfig{
			Binary:       "prison-guard",
			PollInterval: 100 * time.Millisecond,
		},
		Retry: RetryConfig{
			ProfileUnload: retry.Policy{Attempts: 30, Delay: 200 * time.Millisecond},
			UserDelete:    retry.Policy{Attempts: 30, Delay: 200 * time.Millisecond},
			QuotaInit:     retry.Policy{Attempts: 300, Delay: 200 * time.Millisecond},
			GuardStart:    retry.Policy{Attempts: 50, Delay: 100 * time.Millisecond},
		},
	}
}

// Load loads configuration from the file named by PRISON_CONFIG. There
// is no search path and no fallback.
func Load() (*Config, error) {
	configPath := os.Getenv("PRISON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PRISON_CONFIG environment variable not set; " +
			"set it to the path of your prison.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. Files ending in .json or
// .jsonc are read as JSON with comments and trailing commas; anything
// else is YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so the yaml tags and duration
		// parsing apply unchanged once comments are stripped.
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production never silently degrades to pid-tracked groups.
		if overrides == nil {
			overrides = &ConfigOverrides{
				ResourceGroups: &ResourceGroupsConfig{Backend: GroupsCgroup},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		setIfNonEmpty(&c.Paths.State, overrides.Paths.State)
		setIfNonEmpty(&c.Paths.Run, overrides.Paths.Run)
		setIfNonEmpty(&c.Paths.Database, overrides.Paths.Database)
		setIfNonEmpty(&c.Paths.CgroupRoot, overrides.Paths.CgroupRoot)
		setIfNonEmpty(&c.Paths.Bin, overrides.Paths.Bin)
	}

	if overrides.Credentials != nil {
		setIfNonEmpty(&c.Credentials.Backend, overrides.Credentials.Backend)
		setIfNonEmpty(&c.Credentials.KeyringService, overrides.Credentials.KeyringService)
	}

	if overrides.ResourceGroups != nil {
		setIfNonEmpty(&c.ResourceGroups.Backend, overrides.ResourceGroups.Backend)
		setIfNonEmpty(&c.ResourceGroups.Slice, overrides.ResourceGroups.Slice)
	}

	if overrides.Executor != nil {
		setIfNonEmpty(&c.Executor.Socket, overrides.Executor.Socket)
		if overrides.Executor.RequestsPerSecond > 0 {
			c.Executor.RequestsPerSecond = overrides.Executor.RequestsPerSecond
		}
		if overrides.Executor.Burst > 0 {
			c.Executor.Burst = overrides.Executor.Burst
		}
	}
}

func setIfNonEmpty(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// PRISON_STATE and PRISON_RUN refer to the already-expanded state and
// run directories.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Run = expandVars(c.Paths.Run, vars)
	vars["PRISON_STATE"] = c.Paths.State
	vars["PRISON_RUN"] = c.Paths.Run

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.CgroupRoot = expandVars(c.Paths.CgroupRoot, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Executor.Socket = expandVars(c.Executor.Socket, vars)
	c.Guard.Binary = expandVars(c.Guard.Binary, vars)
	for i, root := range c.Filesystem.ProbeRoots {
		c.Filesystem.ProbeRoots[i] = expandVars(root, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	for name, value := range map[string]string{
		"paths.state":       c.Paths.State,
		"paths.run":         c.Paths.Run,
		"paths.database":    c.Paths.Database,
		"paths.cgroup_root": c.Paths.CgroupRoot,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if !filepath.IsAbs(value) {
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", name, value))
		}
	}

	credentialBackends := []string{CredentialsDatabase, CredentialsKeyring}
	if !slices.Contains(credentialBackends, c.Credentials.Backend) {
		errs = append(errs, fmt.Errorf("credentials.backend must be one of: %v", credentialBackends))
	}

	groupBackends := []string{GroupsAuto, GroupsCgroup, GroupsTracked}
	if !slices.Contains(groupBackends, c.ResourceGroups.Backend) {
		errs = append(errs, fmt.Errorf("resource_groups.backend must be one of: %v", groupBackends))
	}
	if c.ResourceGroups.Slice == "" || strings.Contains(c.ResourceGroups.Slice, "/") {
		errs = append(errs, fmt.Errorf("resource_groups.slice must be a single directory name, got %q", c.ResourceGroups.Slice))
	}

	if c.Filesystem.Group == "" {
		errs = append(errs, fmt.Errorf("filesystem.group is required"))
	}
	if c.WebGroup.Name == "" {
		errs = append(errs, fmt.Errorf("web_group.name is required"))
	}

	if c.Network.Interface != "" && c.Network.LinkRateBPS <= 0 {
		errs = append(errs, fmt.Errorf("network.link_rate_bps must be positive when network.interface is set"))
	}

	if c.Executor.Socket != "" && c.Executor.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("executor.requests_per_second must be positive"))
	}

	if c.Guard.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("guard.poll_interval must be positive"))
	}

	for name, policy := range map[string]retry.Policy{
		"retry.profile_unload": c.Retry.ProfileUnload,
		"retry.user_delete":    c.Retry.UserDelete,
		"retry.quota_init":     c.Retry.QuotaInit,
		"retry.guard_start":    c.Retry.GuardStart,
	} {
		if policy.Attempts < 1 || policy.Delay < 0 {
			errs = append(errs, fmt.Errorf("%s: need attempts >= 1 and a non-negative delay, got %s", name, policy))
		}
	}

	return errors.Join(errs...)
}

// RecordDirectory is where prison records are stored.
func (c *Config) RecordDirectory() string {
	return filepath.Join(c.Paths.State, "prisons")
}

// GroupDirectory holds resource group lock files and pid-tracked
// member lists.
func (c *Config) GroupDirectory() string {
	return filepath.Join(c.Paths.Run, "groups")
}

// GuardDirectory holds guard discharge sockets.
func (c *Config) GuardDirectory() string {
	return filepath.Join(c.Paths.Run, "guard")
}

// StationDirectory holds per-principal station sockets.
func (c *Config) StationDirectory() string {
	return filepath.Join(c.Paths.Run, "stations")
}

// HasCgroupV2 reports whether the unified hierarchy is mounted at
// Paths.CgroupRoot.
func (c *Config) HasCgroupV2() bool {
	_, err := os.Stat(filepath.Join(c.Paths.CgroupRoot, "cgroup.controllers"))
	return err == nil
}

// UseCgroups resolves the resource_groups backend, applying the auto
// rule.
func (c *Config) UseCgroups() bool {
	switch c.ResourceGroups.Backend {
	case GroupsCgroup:
		return true
	case GroupsTracked:
		return false
	default:
		return c.HasCgroupV2()
	}
}

// EnsurePaths creates all configured directories if they don't exist.
// The run subdirectories are world-traversable so principals can reach
// their station sockets.
func (c *Config) EnsurePaths() error {
	directories := []struct {
		path string
		mode os.FileMode
	}{
		{c.Paths.State, 0o755},
		{c.RecordDirectory(), 0o700},
		{filepath.Dir(c.Paths.Database), 0o700},
		{c.Paths.Run, 0o755},
		{c.GroupDirectory(), 0o755},
		{c.GuardDirectory(), 0o755},
		{c.StationDirectory(), 0o755},
	}

	for _, directory := range directories {
		if directory.path == "" {
			continue
		}
		if err := os.MkdirAll(directory.path, directory.mode); err != nil {
			return fmt.Errorf("creating %s: %w", directory.path, err)
		}
	}
	return nil
}

// BinaryPath returns the full path to a prison helper binary. It looks
// in Paths.Bin first, then falls back to exec.LookPath. An absolute
// name is returned unchanged.
func (c *Config) BinaryPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
