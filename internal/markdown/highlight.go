// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	gmutil "github.com/yuin/goldmark/util"
)

// =============================================================================
// FENCED CODE HIGHLIGHTING
// =============================================================================

// codeBlockRenderer renders fenced code blocks through chroma.
type codeBlockRenderer struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func newCodeBlockRenderer(styleName string) *codeBlockRenderer {
	return &codeBlockRenderer{
		style:     lookupStyle(styleName),
		formatter: chromahtml.New(chromahtml.WithClasses(true), chromahtml.TabWidth(4)),
	}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
}

func (r *codeBlockRenderer) renderFencedCodeBlock(w gmutil.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.FencedCodeBlock)

	var code bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		code.Write(line.Value(source))
	}
	lang := string(n.Language(source))

	if err := highlight(w, code.String(), lang, r.style, r.formatter); err != nil {
		// Plain block, same shape as goldmark's own output.
		if lang != "" {
			fmt.Fprintf(w, `<pre><code class="language-%s">`, html.EscapeString(lang))
		} else {
			w.WriteString("<pre><code>")
		}
		w.WriteString(html.EscapeString(code.String()))
		w.WriteString("</code></pre>\n")
	}
	return ast.WalkSkipChildren, nil
}

// highlight writes code as class-annotated HTML. The lexer is picked by
// language name, then by content analysis, then plain text.
func highlight(w io.Writer, code, lang string, style *chroma.Style, f *chromahtml.Formatter) error {
	var lexer chroma.Lexer
	if lang != "" {
		lexer = lexers.Get(lang)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := f.Format(&buf, style, it); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func lookupStyle(name string) *chroma.Style {
	if s := styles.Get(strings.ToLower(name)); s != nil {
		return s
	}
	return styles.Fallback
}

// CSS returns the stylesheet for the classes emitted by HTMLRenderer with
// the named code style.
func CSS(styleName string) (string, error) {
	var buf bytes.Buffer
	f := chromahtml.New(chromahtml.WithClasses(true))
	if err := f.WriteCSS(&buf, lookupStyle(styleName)); err != nil {
		return "", fmt.Errorf("write chroma css: %w", err)
	}
	return buf.String(), nil
}
