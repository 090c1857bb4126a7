// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation keeps per-client chat history for multi-turn context.
//
// A Store maps a client key (the client's IP address or an identity cookie)
// to the messages exchanged so far. Histories live in memory only and are
// bounded by an explicit Policy: a cap on the number of messages and an
// idle time after which the whole history is dropped.
//
// Requests from the same client are serialised with Lock, which is held for
// the duration of a streamed answer so overlapping requests cannot
// interleave their turns. Turns are appended as user/assistant pairs once
// the answer is complete.
package conversation
