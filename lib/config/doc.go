// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads nostrsync configuration.
//
// Values come from four layers, later layers winning:
//
//  1. [Default]
//  2. the YAML file named by --config or NOSTRSYNC_CONFIG (optional)
//  3. a .env file in the working directory, loaded into the process
//     environment without overwriting variables already set
//  4. the NOSTRSYNC_NETWORK, NOSTRSYNC_USE_COMPRESSION,
//     NOSTRSYNC_QUORUM and NOSTRSYNC_SUBSCRIPTION_SKEW variables
//
// ${HOME} and ${VAR:-default} are expanded in path fields.
package config
