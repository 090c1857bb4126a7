// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcoder

import (
	"html"
	"strings"
)

const (
	openTag  = "<think>"
	closeTag = "</think>"

	// lineBreak replaces newlines in snapshots.
	lineBreak = "&#10;"
)

// =============================================================================
// TYPES
// =============================================================================

// Fragment is one increment of a streamed chat response.
type Fragment struct {
	Content  string // answer text, possibly carrying inline <think> markup
	Thinking string // structured thinking text
}

// Renderer converts markdown to HTML. It must be pure.
type Renderer interface {
	Render(markdown string) string
}

// State is the classification state of a stream.
type State int

const (
	// StateScanning: nothing classified yet, or content withheld as a
	// possible <think> prefix.
	StateScanning State = iota
	// StateLegacyThinking: content opened with <think> and has not closed it.
	StateLegacyThinking
	// StateStructuredThinking: thinking arrives in the thinking field.
	StateStructuredThinking
	// StateThinkingClosed: </think> seen, no answer text yet.
	StateThinkingClosed
	// StateAnswering: answer text is accumulating.
	StateAnswering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateLegacyThinking:
		return "legacy_thinking"
	case StateStructuredThinking:
		return "structured_thinking"
	case StateThinkingClosed:
		return "thinking_closed"
	case StateAnswering:
		return "answering"
	default:
		return "unknown"
	}
}

// Classification describes what one fragment contributed.
type Classification struct {
	State    State
	Thinking string // thinking text added by the fragment
	Answer   string // answer text added by the fragment
	Withheld bool   // content held back as a possible <think> prefix
}

// thinkingSource records which convention feeds the thinking text.
type thinkingSource int

const (
	sourceNone thinkingSource = iota
	sourceLegacy
	sourceStructured
)

// =============================================================================
// TRANSCODER
// =============================================================================

// Transcoder holds the accumulation state of one streamed response.
type Transcoder struct {
	renderer Renderer

	check      strings.Builder // every content delta, used for tag detection only
	full       strings.Builder // answer text
	withheld   strings.Builder // content not yet known to be answer
	legacy     string          // thinking text taken from inline markup
	structured strings.Builder // thinking text from the thinking field

	source thinkingSource
	closed bool
	state  State
}

// New creates a Transcoder rendering with r. A nil renderer escapes text
// instead of rendering markdown.
func New(r Renderer) *Transcoder {
	if r == nil {
		r = escapeRenderer{}
	}
	return &Transcoder{renderer: r}
}

// Process classifies the fragment and returns the snapshot after it.
func (t *Transcoder) Process(f Fragment) string {
	t.Feed(f)
	return t.Snapshot()
}

// Feed classifies the fragment without rendering.
func (t *Transcoder) Feed(f Fragment) Classification {
	prevThinking := t.Thinking()
	prevAnswer := t.full.String()
	withheld := false

	t.check.WriteString(f.Content)
	buf := t.check.String()

	closing := false
	if !t.closed && strings.Contains(buf, closeTag) {
		t.closed = true
		closing = true
	}
	inLegacy := strings.HasPrefix(buf, openTag) && !t.closed

	switch {
	case inLegacy:
		t.source = sourceLegacy
		t.legacy = stripPartialClose(buf[len(openTag):])
		t.withheld.Reset()
		t.state = StateLegacyThinking

	case closing && strings.HasPrefix(buf, openTag):
		// The block closes in this fragment: what precedes the marker is
		// the last of the thinking, what follows it is answer.
		end := strings.Index(buf, closeTag)
		t.source = sourceLegacy
		t.legacy = buf[len(openTag):end]
		t.withheld.Reset()
		t.state = StateThinkingClosed
		t.appendAnswer(stripQuoteArtifact(buf[end+len(closeTag):]))

	default:
		if f.Thinking != "" && t.source != sourceLegacy {
			t.source = sourceStructured
			t.structured.WriteString(f.Thinking)
			if t.state == StateScanning {
				t.state = StateStructuredThinking
			}
		}
		if f.Content == "" {
			break
		}
		if !t.closed && strings.HasPrefix(openTag, buf) {
			t.withheld.WriteString(f.Content)
			withheld = true
			break
		}
		delta := f.Content
		if t.withheld.Len() > 0 {
			delta = t.withheld.String() + delta
			t.withheld.Reset()
		}
		t.appendAnswer(stripQuoteArtifact(delta))
	}

	c := Classification{State: t.state, Withheld: withheld}
	if answer := t.full.String(); strings.HasPrefix(answer, prevAnswer) {
		c.Answer = answer[len(prevAnswer):]
	}
	if th := t.Thinking(); strings.HasPrefix(th, prevThinking) {
		c.Thinking = th[len(prevThinking):]
	} else {
		c.Thinking = th
	}
	return c
}

// stripQuoteArtifact drops the stray ">" some models emit at the start of
// a line-leading fragment.
func stripQuoteArtifact(text string) string {
	if strings.HasPrefix(text, ">\n") {
		return text[1:]
	}
	return text
}

// appendAnswer adds text to the answer and removes any complete markers.
// Leading line breaks right after a closed thinking block are dropped.
func (t *Transcoder) appendAnswer(text string) {
	if t.full.Len() == 0 && t.source == sourceLegacy {
		text = strings.TrimLeft(text, "\r\n")
	}
	if text == "" {
		return
	}
	t.full.WriteString(text)
	t.state = StateAnswering

	// A marker may also be assembled from several deltas.
	if full := t.full.String(); strings.Contains(full, openTag) || strings.Contains(full, closeTag) {
		full = strings.ReplaceAll(full, openTag, "")
		full = strings.ReplaceAll(full, closeTag, "")
		t.full.Reset()
		t.full.WriteString(full)
	}
}

// Flush releases content still withheld as a possible <think> prefix into
// the answer. It is called once the stream has ended and reports whether
// the answer changed.
func (t *Transcoder) Flush() bool {
	if t.withheld.Len() == 0 {
		return false
	}
	pending := t.withheld.String()
	t.withheld.Reset()
	before := t.full.Len()
	t.appendAnswer(pending)
	return t.full.Len() != before
}

// Snapshot renders everything decided so far.
func (t *Transcoder) Snapshot() string {
	var b strings.Builder
	if t.source != sourceNone {
		thinking := t.Thinking()
		b.WriteString(openTag)
		b.WriteString(t.renderer.Render(thinking + FenceSuffix(thinking)))
		b.WriteString(closeTag)
	}
	if answer := t.full.String(); answer != "" {
		b.WriteString(t.renderer.Render(answer + FenceSuffix(answer)))
	}
	return strings.ReplaceAll(b.String(), "\n", lineBreak)
}

// Answer returns the accumulated answer text. It never contains a
// provisional fence suffix.
func (t *Transcoder) Answer() string {
	return t.full.String()
}

// Thinking returns the accumulated thinking text.
func (t *Transcoder) Thinking() string {
	switch t.source {
	case sourceLegacy:
		return t.legacy
	case sourceStructured:
		return t.structured.String()
	default:
		return ""
	}
}

// State returns the current classification state.
func (t *Transcoder) State() State {
	return t.state
}

// =============================================================================
// HELPERS
// =============================================================================

// FenceSuffix returns the text that provisionally closes an open code span
// or fence at the end of s, or "" if s is balanced. A fence closer is put on
// its own line.
func FenceSuffix(s string) string {
	raw := strings.Count(s, "`")
	triple := strings.Count(s, "```")
	single := raw - 3*triple

	switch {
	case single%2 == 1 && triple%2 == 0:
		return "`"
	case triple%2 == 1:
		if s == "" || strings.HasSuffix(s, "\n") {
			return "```"
		}
		return "\n```"
	default:
		return ""
	}
}

// stripPartialClose removes a trailing, partially received close marker.
func stripPartialClose(s string) string {
	for n := len(closeTag) - 1; n > 0; n-- {
		if strings.HasSuffix(s, closeTag[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}

type escapeRenderer struct{}

func (escapeRenderer) Render(s string) string { return html.EscapeString(s) }
