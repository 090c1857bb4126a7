// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// This package implements the subset of the Ollama API the web UI needs:
// model listing (/api/tags, /api/ps), model inspection (/api/show),
// server version (/api/version) and streaming chat (/api/chat) with
// structured thinking and image attachments.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - Message: Chat message with role, content, thinking and images
//   - ChatChunk: One NDJSON line of a streaming chat response
//   - ClientError: Tagged error (not running, model not found, protocol, ...)
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: "http://127.0.0.1:11434"})
//	err := client.ChatStream(ctx, ollama.ChatRequest{
//	    Model:    "qwen3:8b",
//	    Messages: []ollama.Message{ollama.NewUserMessage("Hello")},
//	    Think:    true,
//	}, func(chunk ollama.ChatChunk) {
//	    fmt.Print(chunk.Message.Content)
//	})
//	if ollama.IsModelNotFound(err) {
//	    // ...
//	}
package ollama
