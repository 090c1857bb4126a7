// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/attachment"
	"github.com/jeranaias/llmui/internal/ollama"
)

// ============================================================================
// LANDING PAGE
// ============================================================================

// Messages shown in place of the model selector when listing fails.
const (
	msgNotRunning = "Cannot connect to ollama server! Is it running? Refresh the page and try again."
	msgListFailed = "Failed to list models! Refresh the page and try again."
)

// pageData feeds assets/index.html.
type pageData struct {
	Title     string
	Models    []string
	Selected  string
	Ready     bool
	ListError string
}

// handleIndex handles GET /. Backend failures degrade the page instead of
// failing the request.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) error {
	cfg := s.Config()
	data := pageData{Title: cfg.UI.Title, Selected: cfg.Ollama.DefaultModel}

	models, err := s.backend.ListModels(r.Context())
	switch {
	case err == nil:
		data.Ready = true
		for _, m := range models {
			data.Models = append(data.Models, m.Name)
		}
	case ollama.IsNotRunning(err):
		data.ListError = msgNotRunning
		s.logger.Warn("MODEL_LIST_FAILED", zap.Bool("connect", true), zap.Error(err))
	default:
		data.ListError = msgListFailed
		s.logger.Warn("MODEL_LIST_FAILED", zap.Error(err))
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(buf.Bytes())
	return err
}

// handleScript serves the embedded front-end script.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	data, err := assets.ReadFile("assets/index.js")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Write(data)
}

// handleChromaCSS serves the stylesheet matching the configured code style.
func (s *Server) handleChromaCSS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	css := s.chromaCSS
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(css)
}

// ============================================================================
// MODEL HANDLERS
// ============================================================================

// handleProbeModel handles GET /probe-model?model=.
func (s *Server) handleProbeModel(w http.ResponseWriter, r *http.Request) error {
	model := strings.TrimSpace(r.URL.Query().Get("model"))
	if model == "" {
		return badRequest("Model parameter is missing or blank")
	}
	info, err := s.backend.Show(r.Context(), model)
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, info)
}

// handleListModels handles GET /list-models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) error {
	models, err := s.backend.ListModels(r.Context())
	if err != nil {
		return err
	}
	if models == nil {
		models = []ollama.ModelInfo{}
	}
	return s.writeJSON(w, http.StatusOK, models)
}

// handleListRunning handles GET /list-running-models.
func (s *Server) handleListRunning(w http.ResponseWriter, r *http.Request) error {
	models, err := s.backend.ListRunning(r.Context())
	if err != nil {
		return err
	}
	if models == nil {
		models = []ollama.RunningModel{}
	}
	return s.writeJSON(w, http.StatusOK, models)
}

// VersionResponse describes the backend for GET /get-version.
type VersionResponse struct {
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
	Port     string `json:"port"`
}

// handleVersion handles GET /get-version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) error {
	version, err := s.backend.Version(r.Context())
	if err != nil {
		return err
	}
	host, port := s.backend.Host()
	return s.writeJSON(w, http.StatusOK, VersionResponse{
		Version:  version,
		Hostname: host,
		Port:     port,
	})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Ollama        string `json:"ollama"`
	OllamaVersion string `json:"ollama_version,omitempty"`
	Sessions      int    `json:"sessions"`
}

// handleHealth handles GET /health. It always answers 200; a backend that
// cannot be reached makes the status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{Status: "ok", Sessions: s.store.Len()}

	ctx, cancel := context.WithTimeout(r.Context(), HealthTimeout)
	defer cancel()

	if version, err := s.backend.Version(ctx); err == nil {
		health.Ollama = "ok"
		health.OllamaVersion = version
	} else {
		health.Ollama = "unavailable"
		health.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// CONTEXT & ATTACHMENT HANDLERS
// ============================================================================

// uploadField is the multipart field carrying attachments.
const uploadField = "attachments[]"

// handleRegisterAttachment handles POST /register-attachment. Accepted files
// are queued for the caller's next /query-llm.
func (s *Server) handleRegisterAttachment(w http.ResponseWriter, r *http.Request) error {
	cfg := s.Config()
	if limit := uploadLimit(cfg.Attachments.MaxBytes, cfg.Attachments.MaxFiles); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &BadRequestError{Message: "Upload too large", Cause: err}
		}
		return &BadRequestError{Message: "Invalid multipart form", Cause: err}
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[uploadField]
	if len(files) == 0 {
		return badRequest("No attachments provided")
	}

	key := ClientKey(r.Context())
	for _, fh := range files {
		h, err := s.stageFile(key, fh)
		if err != nil {
			if errors.Is(err, attachment.ErrTooLarge) ||
				errors.Is(err, attachment.ErrUnsupportedType) ||
				errors.Is(err, attachment.ErrTooMany) {
				return &BadRequestError{Message: "Attachment " + fh.Filename + " rejected", Cause: err}
			}
			return err
		}
		s.logger.Info("ATTACHMENT_STAGED",
			zap.String("client", key),
			zap.String("name", h.Name),
			zap.String("type", h.ContentType),
			zap.Int64("size", h.Size),
		)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) stageFile(key string, fh *multipart.FileHeader) (attachment.Handle, error) {
	f, err := fh.Open()
	if err != nil {
		return attachment.Handle{}, err
	}
	defer f.Close()
	return s.staging.Stage(key, fh.Filename, f)
}

// uploadLimit bounds a whole upload request: every file at its maximum plus
// room for the multipart framing.
func uploadLimit(maxBytes int64, maxFiles int) int64 {
	if maxBytes <= 0 || maxFiles <= 0 {
		return 0
	}
	return maxBytes*int64(maxFiles) + 1<<20
}

// handleClearContext handles POST /clear-context: the caller's history and
// pending attachments are dropped.
func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) error {
	key := ClientKey(r.Context())
	s.store.Reset(key)
	discarded := s.staging.Discard(key)

	s.logger.Info("CONTEXT_CLEARED", zap.String("client", key), zap.Int("attachments", discarded))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}
