// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Sentinel payloads that end an event stream.
const (
	doneEvent   = "[Done]"
	errorPrefix = "[Error]: "
)

// eventStream writes Server-Sent Events and flushes after every frame.
type eventStream struct {
	w  io.Writer
	rc *http.ResponseController
}

// newEventStream sends the event-stream headers and an opening comment so
// the browser sees the response start before the backend answers.
func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	es := &eventStream{w: w, rc: http.NewResponseController(w)}
	w.WriteHeader(http.StatusOK)
	if err := es.Comment("stream open"); err != nil {
		return nil, err
	}
	return es, nil
}

// Comment writes an SSE comment line.
func (es *eventStream) Comment(text string) error {
	if _, err := fmt.Fprintf(es.w, ": %s\n\n", text); err != nil {
		return err
	}
	return es.flush()
}

// Data writes one message event. Multi-line payloads become several data
// lines, which EventSource joins back with newlines.
func (es *eventStream) Data(payload string) error {
	var b strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(es.w, b.String()); err != nil {
		return err
	}
	return es.flush()
}

// Done writes the success sentinel.
func (es *eventStream) Done() error {
	return es.Data(doneEvent)
}

// Error writes the failure sentinel.
func (es *eventStream) Error(message string) error {
	return es.Data(errorPrefix + message)
}

func (es *eventStream) flush() error {
	if err := es.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
