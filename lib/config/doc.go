// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the prison
// runtime.
//
// Configuration is loaded from a single file specified by either the
// PRISON_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback. The file is
// YAML, or JSON with comments when its name ends in .json or .jsonc.
//
// The file may carry development and production sections that override
// base values when [Config].Environment matches. Production defaults
// are stricter: resource groups must be real cgroups.
//
// Path fields support ${HOME}, ${PRISON_STATE}, ${PRISON_RUN} and
// ${VAR:-default}. No other environment variables override values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Credentials, ResourceGroups,
//     Filesystem, Network, WebGroup, Executor, Guard and Retry
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
