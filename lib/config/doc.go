// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the controller configuration.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the FLEETLINK_CONFIG environment variable (via
// [Load]). There is no discovery. YAML is the native format; files
// ending in .json or .jsonc are accepted after comment stripping.
//
// Loading runs [Default], decodes the file over it, applies the
// section matching [Config].Environment (development, staging or
// production), expands ${VAR} and ${VAR:-default} in path fields, and
// finishes with [Config.Validate]. Validation reports every problem at
// once.
//
// Durations are written as Go duration strings ("30s", "5m").
package config
