// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by llmui packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - TruncateWidth, PadRight: display-width aware layout for terminal tables
//
// Formatting:
//   - FormatBytes, FormatAge: human readable sizes and ages
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	// Truncate long strings safely for logs
//	preview := util.TruncateRunes(prompt, 80)
//
//	// Align a column containing CJK model names
//	cell := util.PadRight(name, 24)
//
//	// Write files atomically to prevent partial reads
//	err := util.AtomicWriteFile(path, data, 0644)
package util
