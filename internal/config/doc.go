// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for llmui.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Command line flags (applied by the caller)
//   - Environment variables (OLLAMA_SERVER, PORT, BIND_ADDRESS, LLMUI_LOG_LEVEL),
//     optionally seeded from a .env file with LoadDotEnv
//   - the file passed to Load, or ~/.llmui/config.toml, or ~/.llmui/config.json
//   - Built-in defaults
//
// Environment values that cannot be used are ignored and reported in
// Config.Warnings rather than failing the load.
//
// # Usage
//
//	_ = config.LoadDotEnv("")
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, w := range cfg.Warnings {
//	    logger.Warn(w)
//	}
//
// Watch reloads a config file when it changes on disk.
package config
