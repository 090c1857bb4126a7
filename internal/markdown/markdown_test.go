// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markdown

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// HTML RENDERER TESTS
// =============================================================================

func TestHTMLRenderer_Basic(t *testing.T) {
	r := NewHTMLRenderer("")

	got := r.Render("**bold** and `code`")
	require.Contains(t, got, "<strong>bold</strong>")
	require.Contains(t, got, "<code>code</code>")
}

func TestHTMLRenderer_Idempotent(t *testing.T) {
	r := NewHTMLRenderer("monokai")
	input := "# Title\n\n- a\n- b\n\n```python\nprint('x')\n```\n"

	first := r.Render(input)
	second := r.Render(input)
	require.Equal(t, first, second)
}

func TestHTMLRenderer_HighlightsFencedCode(t *testing.T) {
	r := NewHTMLRenderer("github")

	got := r.Render("```go\nfunc main() {}\n```\n")
	require.Contains(t, got, `class="chroma"`)
	require.Contains(t, got, "func")
	require.Contains(t, got, "<span")
}

func TestHTMLRenderer_UnknownLanguage(t *testing.T) {
	r := NewHTMLRenderer("github")

	got := r.Render("```nosuchlang\n<b>x</b>\n```\n")
	require.NotContains(t, got, "<b>x</b>")
	require.Contains(t, got, "&lt;")
}

func TestHTMLRenderer_Sanitises(t *testing.T) {
	r := NewHTMLRenderer("")

	tests := []struct {
		name  string
		input string
		bad   string
	}{
		{"javascript link", "[click](javascript:alert(1))", "javascript:"},
		{"raw script", "<script>alert(1)</script>", "<script"},
		{"event handler", `<img src="x" onerror="alert(1)">`, "onerror"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Render(tt.input)
			if strings.Contains(got, tt.bad) {
				t.Errorf("Render(%q) = %q, must not contain %q", tt.input, got, tt.bad)
			}
		})
	}
}

func TestHTMLRenderer_PartialInput(t *testing.T) {
	r := NewHTMLRenderer("")

	inputs := []string{"", "```", "```go\nfunc", "`", "| a | b |\n|--", "**unclosed", "<thi"}
	for _, in := range inputs {
		require.NotPanics(t, func() { r.Render(in) }, "input %q", in)
	}
}

func TestHTMLRenderer_GFM(t *testing.T) {
	r := NewHTMLRenderer("")

	got := r.Render("| a | b |\n|---|---|\n| 1 | 2 |\n\n~~gone~~\n")
	require.Contains(t, got, "<table>")
	require.Contains(t, got, "<del>gone</del>")
}

func TestHTMLRenderer_Concurrent(t *testing.T) {
	r := NewHTMLRenderer("")
	want := r.Render("```js\nlet x = 1\n```")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.Render("```js\nlet x = 1\n```"); got != want {
				t.Errorf("concurrent render differs: %q", got)
			}
		}()
	}
	wg.Wait()
}

// =============================================================================
// STYLESHEET TESTS
// =============================================================================

func TestCSS(t *testing.T) {
	css, err := CSS("github")
	require.NoError(t, err)
	require.Contains(t, css, ".chroma")

	fallback, err := CSS("no-such-style")
	require.NoError(t, err)
	require.NotEmpty(t, fallback)
}

// =============================================================================
// TERMINAL RENDERER TESTS
// =============================================================================

func TestTerminalRenderer_KeepsText(t *testing.T) {
	r := NewTerminalRenderer(60)

	got := r.Render("hello **world**")
	require.Contains(t, got, "hello")
	require.Contains(t, got, "world")
}

func TestTerminalRenderer_ZeroValuePassesThrough(t *testing.T) {
	var r TerminalRenderer
	require.Equal(t, "# raw", r.Render("# raw"))
}
