// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"

	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/ollama"
)

// ============================================================================
// ERROR TYPES
// ============================================================================

// BadRequestError reports missing or invalid client input.
type BadRequestError struct {
	Message string
	Cause   error
}

func (e *BadRequestError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *BadRequestError) Unwrap() error {
	return e.Cause
}

func badRequest(format string, args ...any) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}

// ============================================================================
// HANDLER ADAPTER
// ============================================================================

// appHandler is an http handler that reports failures by returning them.
type appHandler func(w http.ResponseWriter, r *http.Request) error

// handle adapts fn to http.Handler, turning a returned error into a response.
func (s *Server) handle(fn appHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			s.writeError(w, r, err)
		}
	}
}

// writeError maps err onto a status code and a small HTML body.
//
//   - *BadRequestError: 400
//   - ollama model not found: 404
//   - any other ollama.ClientError: 502
//   - anything else: 500 with the innermost cause
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		bad    *BadRequestError
		status int
		body   string
	)

	switch {
	case errors.As(err, &bad):
		status = http.StatusBadRequest
		body = "<h1>400 Bad Request</h1><p>" + html.EscapeString(bad.Error()) + "</p>"
		s.logger.Debug("BAD_REQUEST", zap.String("path", r.URL.Path), zap.Error(err))

	case ollama.IsModelNotFound(err):
		status = http.StatusNotFound
		body = "<h1>Model Not Found</h1><p>" + html.EscapeString(backendMessage(err)) + "</p>"

	case ollama.IsBackendError(err):
		status = http.StatusBadGateway
		body = "<h1>502 Bad Gateway</h1><p>The ollama server ran into an error: " +
			html.EscapeString(backendMessage(err)) + "</p>"
		s.logger.Warn("BACKEND_ERROR", zap.String("path", r.URL.Path), zap.Error(err))

	case errors.Is(err, context.Canceled):
		// Client went away; nobody is listening.
		s.logger.Debug("REQUEST_CANCELLED", zap.String("path", r.URL.Path))
		return

	default:
		status = http.StatusInternalServerError
		body = "<head><title>500 Internal Server Error</title></head><body><h1>500 Internal Server Error</h1><p>" +
			html.EscapeString(innermost(err).Error()) + "</p></body>"
		s.logger.Error("UNHANDLED_ERROR",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

// backendMessage returns the text Ollama reported, without transport detail.
func backendMessage(err error) string {
	var ce *ollama.ClientError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}

// innermost follows the Unwrap chain to its end.
func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
