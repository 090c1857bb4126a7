// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"github.com/charmbracelet/glamour"
)

// =============================================================================
// TERMINAL RENDERER
// =============================================================================

// TerminalRenderer renders markdown for an ANSI terminal using glamour.
type TerminalRenderer struct {
	tr *glamour.TermRenderer
}

// NewTerminalRenderer creates a terminal renderer wrapping at width columns.
// If glamour cannot be initialised the renderer passes text through.
func NewTerminalRenderer(width int) *TerminalRenderer {
	if width <= 0 {
		width = 80
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return &TerminalRenderer{}
	}
	return &TerminalRenderer{tr: tr}
}

// Render returns the styled text, or the input unchanged if rendering fails.
func (r *TerminalRenderer) Render(markdown string) string {
	if r.tr == nil {
		return markdown
	}
	out, err := r.tr.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}
