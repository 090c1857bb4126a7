// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the llmui web front end: a chat page in front of a
// local Ollama server that streams model answers as rendered HTML.
//
// # Endpoints
//
//   - GET  /                     - Chat page (degrades when Ollama is unreachable)
//   - GET  /probe-model?model=   - Model details and capabilities
//   - GET  /list-models          - Installed models
//   - GET  /list-running-models  - Models loaded in memory
//   - GET  /get-version          - Ollama version, host and port
//   - GET  /query-llm?input=&model=&thinking= - Event stream of HTML snapshots
//   - POST /register-attachment  - Stage images for the next query
//   - POST /clear-context        - Forget the caller's conversation
//   - GET  /health               - Health check
//   - GET  /index.js, /public/*  - Embedded assets
//
// # Event Stream
//
// Each fragment from Ollama that changes the rendered page produces one
// "data:" event holding the complete page fragment to display, so the
// browser replaces its view each time. Fragments that leave the snapshot
// unchanged send nothing. The stream ends with "data: [Done]" or
// "data: [Error]: <message>".
//
// # Reloading
//
// ApplyConfig switches a running Server to a new configuration. The listen
// address, Ollama URL and attachment directory stay as they were at New.
//
// # Errors
//
// Handlers return errors; missing parameters become 400, unknown models 404,
// other Ollama failures 502, and anything else 500 with the innermost cause.
//
// # Usage
//
//	srv, err := server.New(cfg, ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: cfg.Ollama.URL}), logger)
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx)
package server
