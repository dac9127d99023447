// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bureau-foundation/prison/lib/config"
	"github.com/bureau-foundation/prison/prison"
)

// ConfigParams is embedded by every verb that needs the configuration.
type ConfigParams struct {
	ConfigPath string `flag:"config" desc:"path to prison.yaml (default: $PRISON_CONFIG)"`
}

func (p *ConfigParams) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if p.ConfigPath != "" {
		cfg, err = config.LoadFile(p.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// open loads the configuration and builds the environment. The caller
// closes the environment.
func (p *ConfigParams) open(logger *slog.Logger) (*prison.Environment, *config.Config, error) {
	cfg, err := p.load()
	if err != nil {
		return nil, nil, err
	}
	environment, err := prison.NewEnvironment(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return environment, cfg, nil
}

// requireID parses the single prison id argument of a verb.
func requireID(verb string, args []string) (uuid.UUID, error) {
	if len(args) < 1 {
		return uuid.Nil, fmt.Errorf("usage: prison %s <prison-id>", verb)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid prison id %q: %w", args[0], err)
	}
	return id, nil
}
