// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/ollama"
	"github.com/jeranaias/llmui/internal/transcoder"
	"github.com/jeranaias/llmui/internal/util"
)

// ============================================================================
// QUERY HANDLER
// ============================================================================

// handleQuery handles GET /query-llm?input=&model=&thinking=.
//
// The response is an event stream of HTML snapshots, one per backend
// fragment, ending in "[Done]" or "[Error]: <message>". The caller's
// conversation is locked for the whole stream and the turn is recorded only
// after "[Done]".
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	input := q.Get("input")
	model := strings.TrimSpace(q.Get("model"))
	thinking := q.Get("thinking") == "true"
	if strings.TrimSpace(input) == "" || model == "" {
		return badRequest("Input or model parameter is missing or blank")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	key := ClientKey(ctx)

	stream, err := newEventStream(w)
	if err != nil {
		return nil
	}

	unlock, err := s.store.Lock(ctx, key)
	if err != nil {
		return nil
	}
	defer unlock()

	images, err := s.staging.DrainAll(key)
	if err != nil {
		s.logger.Warn("ATTACHMENT_DRAIN_FAILED", zap.String("client", key), zap.Error(err))
	}

	user := ollama.NewUserMessage(input, images...)
	req := ollama.ChatRequest{
		Model:    model,
		Messages: append(s.store.GetOrCreate(key), user),
		Stream:   true,
		Think:    thinking,
	}

	log := s.logger.With(zap.String("client", key), zap.String("model", model))
	log.Info("QUERY_START",
		zap.Int("history", len(req.Messages)-1),
		zap.Int("images", len(images)),
		zap.Bool("think", thinking),
	)
	log.Debug("QUERY_PROMPT", zap.String("preview", util.TruncateRunes(input, 80)))
	start := time.Now()

	tc := transcoder.New(s.Renderer())
	var (
		last     string
		writeErr error
		final    ollama.ChatChunk
	)
	send := func(snapshot string) {
		if writeErr != nil || snapshot == last {
			return
		}
		if writeErr = stream.Data(snapshot); writeErr != nil {
			cancel()
			return
		}
		last = snapshot
	}

	err = s.backend.ChatStream(ctx, req, func(chunk ollama.ChatChunk) {
		send(tc.Process(transcoder.Fragment{
			Content:  chunk.Message.Content,
			Thinking: chunk.Message.Thinking,
		}))
		if chunk.Done {
			final = chunk
		}
	})

	switch {
	case writeErr != nil || errors.Is(err, context.Canceled):
		log.Info("QUERY_CANCELLED", zap.Duration("elapsed", time.Since(start)))
		return nil

	case err != nil:
		log.Warn("QUERY_FAILED", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		stream.Error(streamErrorMessage(err))
		return nil
	}

	if tc.Flush() {
		send(tc.Snapshot())
	}
	if writeErr != nil {
		return nil
	}
	if err := stream.Done(); err != nil {
		return nil
	}

	s.store.Append(key, user, ollama.NewAssistantMessage(tc.Answer(), tc.Thinking()))
	log.Info("QUERY_COMPLETE",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("eval_count", final.EvalCount),
		zap.Float64("tokens_per_sec", final.TokensPerSecond()),
		zap.String("state", tc.State().String()),
	)
	return nil
}

// streamErrorMessage is the text sent after "[Error]: ".
func streamErrorMessage(err error) string {
	if ollama.IsBackendError(err) {
		return backendMessage(err)
	}
	return innermost(err).Error()
}
