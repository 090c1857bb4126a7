// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package markdown renders model output for the browser and the terminal.
//
// HTMLRenderer converts markdown with goldmark (GitHub flavoured), highlights
// fenced code with chroma using CSS classes and sanitises the result with
// bluemonday. TerminalRenderer wraps glamour for the command line.
//
// Both renderers are pure: the same input always yields the same output and
// neither ever fails. Broken or partial markdown renders as well as goldmark
// can manage; a conversion error falls back to escaped text.
//
// # Usage
//
//	r := markdown.NewHTMLRenderer("github")
//	html := r.Render("**hello** `world`")
//
//	css, _ := markdown.CSS("github") // served as /public/chroma.css
package markdown
