// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bureau-foundation/prison/lib/hostcmd"
)

var (
	// ErrStationNotFound reports a station whose server is not running.
	ErrStationNotFound = errors.New("station not found")

	// ErrNoStation is returned by EnsureDesktop when no station is
	// current.
	ErrNoStation = errors.New("no current station")
)

// DefaultDesktop is the desktop every station is created with.
const DefaultDesktop = "Default"

const socketExtension = ".sock"

// keepAlive is the command each desktop session runs. tmux exits with
// its last session, so every desktop holds the server up.
var keepAlive = []string{"sleep", "infinity"}

// Station is a handle to one principal's tmux server.
type Station struct {
	name       string
	socketPath string
	configFile string
	runner     hostcmd.Runner
}

// Name returns the station name, which is the principal's username.
func (s *Station) Name() string { return s.name }

// SocketPath returns the server's Unix socket.
func (s *Station) SocketPath() string { return s.socketPath }

// DesktopName returns the qualified name of desktop on this station,
// "<station>\<desktop>".
func (s *Station) DesktopName(desktop string) string {
	return s.name + `\` + desktop
}

// Run executes a tmux subcommand against this server and returns its
// stdout.
func (s *Station) Run(ctx context.Context, args ...string) (string, error) {
	result, err := s.runner.Run(ctx, hostcmd.Command{
		Name: "tmux",
		Args: append([]string{"-S", s.socketPath}, args...),
	})
	if err != nil {
		return "", err
	}
	return string(result.Stdout), nil
}

// Sessions lists the desktops on the station.
func (s *Station) Sessions(ctx context.Context) ([]string, error) {
	output, err := s.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if notRunning(err) {
			return nil, fmt.Errorf("station %s: %w", s.name, ErrStationNotFound)
		}
		return nil, fmt.Errorf("listing desktops of station %s: %w", s.name, err)
	}
	var sessions []string
	for line := range strings.Lines(output) {
		if name := strings.TrimSpace(line); name != "" {
			sessions = append(sessions, name)
		}
	}
	return sessions, nil
}

// HasDesktop reports whether desktop exists on the station.
func (s *Station) HasDesktop(ctx context.Context, desktop string) bool {
	_, err := s.Run(ctx, "has-session", "-t", "="+desktop)
	return err == nil
}

func (s *Station) newDesktop(ctx context.Context, desktop string) error {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", desktop)
	args = append(args, keepAlive...)
	if _, err := s.runner.Run(ctx, hostcmd.Command{Name: "tmux", Args: args}); err != nil {
		return fmt.Errorf("creating desktop %s on station %s: %w", desktop, s.name, err)
	}
	return nil
}

// Kill stops the station's server. A server that is already gone is
// not an error.
func (s *Station) Kill(ctx context.Context) error {
	_, err := s.Run(ctx, "kill-server")
	if err != nil && !notRunning(err) && !hostcmd.StderrContains(err, "server exited unexpectedly") {
		return fmt.Errorf("killing station %s: %w", s.name, err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing station socket %s: %w", s.socketPath, err)
	}
	return nil
}

// notRunning matches tmux's complaints about an absent server: "no
// server running on <path>" when the socket is stale and "error
// connecting to <path> (No such file or directory)" when it is gone.
func notRunning(err error) bool {
	return hostcmd.StderrContains(err, "no server running") ||
		hostcmd.StderrContains(err, "No such file") ||
		hostcmd.StderrContains(err, "no such file")
}

// Manager opens and creates stations in one directory.
type Manager struct {
	// Directory holds the station sockets.
	Directory string

	Runner hostcmd.Runner

	// ConfigFile is passed as -f when a server starts. Empty means
	// /dev/null.
	ConfigFile string

	Logger *slog.Logger
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.Logger
}

// Handle returns a handle for the station called name without
// checking that its server is running.
func (m *Manager) Handle(name string) *Station {
	configFile := m.ConfigFile
	if configFile == "" {
		configFile = os.DevNull
	}
	return &Station{
		name:       name,
		socketPath: filepath.Join(m.Directory, name+socketExtension),
		configFile: configFile,
		runner:     m.Runner,
	}
}

// Open returns the running station called name, or an error wrapping
// ErrStationNotFound.
func (m *Manager) Open(ctx context.Context, name string) (*Station, error) {
	station := m.Handle(name)
	if _, err := station.Sessions(ctx); err != nil {
		return nil, err
	}
	return station, nil
}

// Create starts the station called name with its Default desktop and
// hands the socket to owner. An existing station is reused; only a
// station that is not running is started.
func (m *Manager) Create(ctx context.Context, name string, owner Owner) (*Station, error) {
	station, err := m.Open(ctx, name)
	if err != nil && !errors.Is(err, ErrStationNotFound) {
		return nil, err
	}
	if station == nil {
		station = m.Handle(name)
		if err := os.MkdirAll(m.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating station directory: %w", err)
		}
		if err := station.newDesktop(ctx, DefaultDesktop); err != nil {
			return nil, err
		}
		m.logger().Info("station started", "station", name, "socket", station.socketPath)
	}

	if err := os.Chown(station.socketPath, owner.UID, owner.GID); err != nil {
		return nil, errors.Join(fmt.Errorf("handing station %s to uid %d: %w", name, owner.UID, err), station.Kill(ctx))
	}
	return station, nil
}

// Owner is the account a station socket is handed to.
type Owner struct {
	UID int
	GID int
}

// List returns a handle for every station socket in the directory,
// sorted by name. Handles are not checked for a live server.
func (m *Manager) List() ([]*Station, error) {
	entries, err := os.ReadDir(m.Directory)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading station directory: %w", err)
	}
	var stations []*Station
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), socketExtension)
		if !ok || entry.Type()&os.ModeSocket == 0 {
			continue
		}
		stations = append(stations, m.Handle(name))
	}
	slices.SortFunc(stations, func(a, b *Station) int { return strings.Compare(a.name, b.name) })
	return stations, nil
}

var current atomic.Pointer[Station]

// Current returns the process's current station, or nil.
func Current() *Station { return current.Load() }

// Use makes station current and returns the station it replaces. Pass
// the result back to Use to restore it.
func Use(station *Station) (previous *Station) {
	return current.Swap(station)
}

// EnsureDesktop creates desktop on the current station if it does not
// exist and returns its qualified name.
func EnsureDesktop(ctx context.Context, desktop string) (string, error) {
	station := Current()
	if station == nil {
		return "", ErrNoStation
	}
	if !station.HasDesktop(ctx, desktop) {
		if err := station.newDesktop(ctx, desktop); err != nil {
			return "", err
		}
	}
	return station.DesktopName(desktop), nil
}
