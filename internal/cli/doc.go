// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the llmui command line.
//
// # Commands
//
//   - serve (default): run the web UI, reloading the config file on change
//   - ask: stream a single answer to stdout
//   - chat: interactive multi-turn chat in the terminal
//   - models: list installed or running models
//   - config: show the effective configuration, or write a default file
//   - version: print version information
//
// Every command except version, config path and config init loads .env,
// then the config file, then the environment (OLLAMA_SERVER, PORT,
// BIND_ADDRESS, LLMUI_LOG_LEVEL), and prints any config warnings to stderr.
//
// # Usage
//
//	os.Exit(cli.Execute())
//
// Tests drive an App with their own streams and backend:
//
//	app := &cli.App{In: in, Out: &out, Err: &errOut, NewBackend: fake}
//	cmd := app.Command()
//	cmd.SetArgs([]string{"ask", "hello"})
//	err := cmd.Execute()
package cli
