// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attachment stages uploaded images until the next chat turn.
//
// Uploads are written to a staging directory under random names and queued
// in arrival order. DrainAll hands the queued files to the chat request as
// base64 payloads and deletes each file as it is read, so every upload is
// consumed exactly once.
//
// Queues are kept per client key. Setting Options.Shared uses a single
// process-wide queue instead, in which case one client's upload can be
// consumed by another client's next request.
package attachment
