// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"bytes"
	"html"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"
)

// DefaultCodeStyle is the chroma style used when none is configured.
const DefaultCodeStyle = "github"

// =============================================================================
// HTML RENDERER
// =============================================================================

// chromaClass matches the class lists chroma and goldmark put on code markup.
var chromaClass = regexp.MustCompile(`^[a-zA-Z0-9_\- ]+$`)

// HTMLRenderer renders markdown to sanitised HTML.
// It is safe for concurrent use.
type HTMLRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewHTMLRenderer creates an HTML renderer highlighting fenced code with the
// named chroma style. Unknown style names fall back to chroma's default.
func NewHTMLRenderer(codeStyle string) *HTMLRenderer {
	if codeStyle == "" {
		codeStyle = DefaultCodeStyle
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(
				gmutil.Prioritized(newCodeBlockRenderer(codeStyle), 100),
			),
		),
	)

	return &HTMLRenderer{md: md, policy: newPolicy()}
}

// newPolicy builds the sanitiser: user generated content plus the class
// attributes needed by highlighted code and task list checkboxes.
func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("span", "pre", "code", "div")
	p.AllowAttrs("class").Matching(chromaClass).OnElements("pre", "code", "span", "div")
	p.AllowAttrs("type").Matching(regexp.MustCompile(`^checkbox$`)).OnElements("input")
	p.AllowAttrs("checked", "disabled").OnElements("input")
	return p
}

// Render converts markdown to HTML. On a conversion error the escaped
// source is returned in a paragraph.
func (r *HTMLRenderer) Render(markdown string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "<p>" + html.EscapeString(markdown) + "</p>"
	}
	return r.policy.Sanitize(buf.String())
}
