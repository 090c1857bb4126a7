// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcoder turns a streamed chat response into complete HTML
// snapshots.
//
// A Transcoder consumes the response one Fragment at a time. Each fragment
// is classified as thinking, answer, or withheld text, and after every
// fragment Process returns a snapshot of everything decided so far. A
// fragment that is withheld or empty returns the previous snapshot again:
//
//	<think>RENDERED THINKING</think>RENDERED ANSWER
//
// Two thinking conventions are understood. Older models embed reasoning in
// the content between <think> and </think>; newer ones send it in a
// separate thinking field. Only one of them feeds the thinking text of a
// given stream, and the inline form wins while it is open.
//
// Unbalanced code spans and fences in the answer are closed provisionally
// for rendering only, so a half-written code block never swallows the rest
// of the snapshot. Newlines in the snapshot are written as &#10; so that it
// fits in a single server-sent event data line.
//
// A Transcoder is not safe for concurrent use; fragments of one stream are
// processed in order by a single goroutine.
package transcoder
