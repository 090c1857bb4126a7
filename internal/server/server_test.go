// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/llmui/internal/config"
	"github.com/jeranaias/llmui/internal/ollama"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeBackend is a scripted Ollama.
type fakeBackend struct {
	mu         sync.Mutex
	models     []ollama.ModelInfo
	running    []ollama.RunningModel
	listErr    error
	show       *ollama.ShowModelResponse
	showErr    error
	version    string
	versionErr error
	chunks     []ollama.ChatChunk
	streamErr  error
	requests   []ollama.ChatRequest
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return f.models, f.listErr
}

func (f *fakeBackend) ListRunning(ctx context.Context) ([]ollama.RunningModel, error) {
	return f.running, f.listErr
}

func (f *fakeBackend) Show(ctx context.Context, model string) (*ollama.ShowModelResponse, error) {
	return f.show, f.showErr
}

func (f *fakeBackend) Version(ctx context.Context) (string, error) {
	return f.version, f.versionErr
}

func (f *fakeBackend) ChatStream(ctx context.Context, req ollama.ChatRequest, cb ollama.StreamCallback) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	chunks, err := f.chunks, f.streamErr
	f.mu.Unlock()

	for _, c := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cb(c)
	}
	return err
}

func (f *fakeBackend) Host() (string, string) {
	return "gpu-box", "11434"
}

func (f *fakeBackend) lastRequest(t *testing.T) ollama.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests, "no chat request reached the backend")
	return f.requests[len(f.requests)-1]
}

func content(parts ...string) []ollama.ChatChunk {
	chunks := make([]ollama.ChatChunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, ollama.ChatChunk{Message: ollama.Message{Role: "assistant", Content: p}})
	}
	return append(chunks, ollama.ChatChunk{Done: true, EvalCount: len(parts)})
}

func newTestServer(t *testing.T, fb *fakeBackend, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Attachments.Dir = t.TempDir()
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg, fb, nil)
	require.NoError(t, err)
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// events returns the data payload of every event in an SSE body.
func events(body string) []string {
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		var data []string
		for _, line := range strings.Split(block, "\n") {
			if rest, ok := strings.CutPrefix(line, "data: "); ok {
				data = append(data, rest)
			}
		}
		if len(data) > 0 {
			out = append(out, strings.Join(data, "\n"))
		}
	}
	return out
}

func query(s *Server, input, model string) *httptest.ResponseRecorder {
	return serve(s, httptest.NewRequest("GET", "/query-llm?input="+input+"&model="+model, nil))
}

const testClient = "ip:192.0.2.1" // httptest.NewRequest RemoteAddr

var pngBytes = []byte("\x89PNG\r\n\x1a\n-image-data")

func uploadRequest(t *testing.T, files ...[]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, data := range files {
		fw, err := mw.CreateFormFile(uploadField, fmt.Sprintf("file%d.png", i))
		require.NoError(t, err)
		fw.Write(data)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/register-attachment", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// =============================================================================
// LANDING PAGE TESTS
// =============================================================================

func TestIndex_ListsModels(t *testing.T) {
	fb := &fakeBackend{models: []ollama.ModelInfo{{Name: "qwen3:8b"}, {Name: "llava:7b"}}}
	s := newTestServer(t, fb, func(c *config.Config) { c.Ollama.DefaultModel = "llava:7b" })

	w := serve(s, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, body, `<title>Local LLM</title>`)
	require.Contains(t, body, `value="qwen3:8b">qwen3:8b</option>`)
	require.Contains(t, body, `value="llava:7b" selected>`)
	require.Contains(t, body, `<button id="requestButton" class="btn">`)
}

func TestIndex_BackendDown(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"connection refused", &ollama.ClientError{Type: ollama.ErrTypeNotRunning, Message: "cannot connect to Ollama"}, msgNotRunning},
		{"other failure", &ollama.ClientError{Type: ollama.ErrTypeProtocol, Status: 500, Message: "boom"}, msgListFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeBackend{listErr: tt.err}, nil)

			w := serve(s, httptest.NewRequest("GET", "/", nil))

			if w.Code != http.StatusOK {
				t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
			}
			require.Contains(t, w.Body.String(), tt.want)
			require.Contains(t, w.Body.String(), `<button id="requestButton" class="btn" disabled>`)
			require.NotContains(t, w.Body.String(), `id="modelSelect"`)
		})
	}
}

func TestIndex_EscapesModelNames(t *testing.T) {
	fb := &fakeBackend{models: []ollama.ModelInfo{{Name: `<script>alert(1)</script>`}}}
	s := newTestServer(t, fb, nil)

	body := serve(s, httptest.NewRequest("GET", "/", nil)).Body.String()
	require.NotContains(t, body, "<script>alert")
	require.Contains(t, body, "&lt;script&gt;")
}

// =============================================================================
// MODEL ENDPOINT TESTS
// =============================================================================

func TestProbeModel(t *testing.T) {
	t.Run("missing parameter", func(t *testing.T) {
		s := newTestServer(t, &fakeBackend{}, nil)
		w := serve(s, httptest.NewRequest("GET", "/probe-model", nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		require.Contains(t, w.Body.String(), "Bad Request")
	})

	t.Run("model not found", func(t *testing.T) {
		fb := &fakeBackend{showErr: &ollama.ClientError{
			Type: ollama.ErrTypeModelNotFound, Status: 404, Message: "model 'ghost' not found",
		}}
		s := newTestServer(t, fb, nil)
		w := serve(s, httptest.NewRequest("GET", "/probe-model?model=ghost", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
		}
		require.Contains(t, w.Body.String(), "ghost")
	})

	t.Run("backend error", func(t *testing.T) {
		fb := &fakeBackend{showErr: &ollama.ClientError{Type: ollama.ErrTypeProtocol, Status: 500, Message: "out of memory"}}
		s := newTestServer(t, fb, nil)
		w := serve(s, httptest.NewRequest("GET", "/probe-model?model=big", nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusBadGateway)
		}
		require.Contains(t, w.Body.String(), "out of memory")
	})

	t.Run("capabilities", func(t *testing.T) {
		fb := &fakeBackend{show: &ollama.ShowModelResponse{Capabilities: []string{"completion", "vision"}}}
		s := newTestServer(t, fb, nil)
		w := serve(s, httptest.NewRequest("GET", "/probe-model?model=llava", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
		}
		var resp ollama.ShowModelResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		require.True(t, resp.HasCapability("vision"))
	})
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	w := serve(s, httptest.NewRequest("GET", "/list-models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[]", w.Body.String(), "empty list must encode as an array")

	fb := &fakeBackend{running: []ollama.RunningModel{{Name: "qwen3:8b", SizeVRAM: 1 << 30}}}
	s = newTestServer(t, fb, nil)
	w = serve(s, httptest.NewRequest("GET", "/list-running-models", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var running []ollama.RunningModel
	require.NoError(t, json.NewDecoder(w.Body).Decode(&running))
	require.Len(t, running, 1)
	require.Equal(t, "qwen3:8b", running[0].Name)
}

func TestListModels_BackendDown(t *testing.T) {
	fb := &fakeBackend{listErr: &ollama.ClientError{Type: ollama.ErrTypeNotRunning, Message: "cannot connect to Ollama"}}
	s := newTestServer(t, fb, nil)

	for _, path := range []string{"/list-models", "/list-running-models"} {
		w := serve(s, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("%s: Status = %d, want %d", path, w.Code, http.StatusBadGateway)
		}
	}
}

func TestGetVersion(t *testing.T) {
	s := newTestServer(t, &fakeBackend{version: "0.9.0"}, nil)

	w := serve(s, httptest.NewRequest("GET", "/get-version", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, VersionResponse{Version: "0.9.0", Hostname: "gpu-box", Port: "11434"}, resp)

	s = newTestServer(t, &fakeBackend{versionErr: &ollama.ClientError{Type: ollama.ErrTypeTimeout, Message: "request timed out"}}, nil)
	w = serve(s, httptest.NewRequest("GET", "/get-version", nil))
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeBackend{version: "0.9.0"}, nil)
	w := serve(s, httptest.NewRequest("GET", "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "0.9.0", resp.OllamaVersion)

	s = newTestServer(t, &fakeBackend{versionErr: errors.New("down")}, nil)
	w = serve(s, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "degraded", resp.Status)
	require.Equal(t, "unavailable", resp.Ollama)
}

// =============================================================================
// QUERY STREAM TESTS
// =============================================================================

func TestQuery_MissingParameters(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestServer(t, fb, nil)

	for _, target := range []string{
		"/query-llm?input=hello",
		"/query-llm?model=qwen3",
		"/query-llm?input=%20&model=qwen3",
	} {
		w := serve(s, httptest.NewRequest("GET", target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: Status = %d, want %d", target, w.Code, http.StatusBadRequest)
		}
		require.Contains(t, w.Body.String(), "Bad Request")
	}
	require.Empty(t, fb.requests, "backend must not be called")
}

func TestQuery_StreamsSnapshots(t *testing.T) {
	fb := &fakeBackend{chunks: content("Hel", "lo")}
	s := newTestServer(t, fb, nil)

	w := query(s, "hi", "qwen3")

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(w.Body.String(), ": "), "stream opens with a comment")

	got := events(w.Body.String())
	require.Equal(t, []string{"<p>Hel</p>&#10;", "<p>Hello</p>&#10;", "[Done]"}, got)

	req := fb.lastRequest(t)
	require.True(t, req.Stream)
	require.False(t, req.Think)
	require.Equal(t, "qwen3", req.Model)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "hi", req.Messages[0].Content)
}

func TestQuery_OneEventPerDistinctSnapshot(t *testing.T) {
	fb := &fakeBackend{chunks: content("Hel", "", "lo", "")}
	s := newTestServer(t, fb, nil)

	got := events(query(s, "hi", "m").Body.String())
	require.Equal(t, []string{"<p>Hel</p>&#10;", "<p>Hello</p>&#10;", "[Done]"}, got)
}

func TestQuery_SnapshotsAreSingleLine(t *testing.T) {
	fb := &fakeBackend{chunks: content("# Title\n\n", "- a\n- b\n\n```go\nfunc", "() {}\n```\n")}
	s := newTestServer(t, fb, nil)

	body := query(s, "hi", "m").Body.String()
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if strings.HasPrefix(block, ":") {
			continue
		}
		require.Equal(t, 0, strings.Count(block, "\n"), "event %q spans lines", block)
	}
}

func TestQuery_LegacyThinkingTags(t *testing.T) {
	fb := &fakeBackend{chunks: content("<think>", "pondering", "</think>", "Hello")}
	s := newTestServer(t, fb, nil)

	got := events(query(s, "hi", "deepseek").Body.String())
	require.Equal(t, "[Done]", got[len(got)-1])

	final := got[len(got)-2]
	require.True(t, strings.HasPrefix(final, "<think>"))
	require.Contains(t, final, "pondering")
	require.Contains(t, final, "<p>Hello</p>")

	history := s.Store().GetOrCreate(testClient)
	require.Len(t, history, 2)
	require.Equal(t, "Hello", history[1].Content)
	require.Equal(t, "pondering", history[1].Thinking)
}

func TestQuery_StructuredThinking(t *testing.T) {
	fb := &fakeBackend{chunks: []ollama.ChatChunk{
		{Message: ollama.Message{Thinking: "hmm"}},
		{Message: ollama.Message{Content: "ok"}},
		{Done: true},
	}}
	s := newTestServer(t, fb, nil)

	w := serve(s, httptest.NewRequest("GET", "/query-llm?input=hi&model=qwen3&thinking=true", nil))

	require.True(t, fb.lastRequest(t).Think)
	got := events(w.Body.String())
	require.Contains(t, got[0], "<think>")
	require.Contains(t, got[0], "hmm")
	require.Contains(t, got[len(got)-2], "<p>ok</p>")
}

func TestQuery_ErrorMidStream(t *testing.T) {
	fb := &fakeBackend{
		chunks:    content("a", "b")[:2],
		streamErr: &ollama.ClientError{Type: ollama.ErrTypeProtocol, Message: "model runner has unexpectedly stopped"},
	}
	s := newTestServer(t, fb, nil)

	got := events(query(s, "hi", "qwen3").Body.String())

	require.Len(t, got, 3)
	require.Equal(t, "<p>a</p>&#10;", got[0])
	require.Equal(t, "<p>ab</p>&#10;", got[1])
	require.Equal(t, "[Error]: model runner has unexpectedly stopped", got[2])
	require.NotContains(t, got, "[Done]")
	require.Empty(t, s.Store().GetOrCreate(testClient), "failed turn must not be recorded")
}

func TestQuery_ModelNotFoundBecomesErrorEvent(t *testing.T) {
	fb := &fakeBackend{streamErr: &ollama.ClientError{Type: ollama.ErrTypeModelNotFound, Status: 404, Message: `model "ghost" not found`}}
	s := newTestServer(t, fb, nil)

	got := events(query(s, "hi", "ghost").Body.String())
	require.Equal(t, []string{`[Error]: model "ghost" not found`}, got)
}

func TestQuery_RemembersConversation(t *testing.T) {
	fb := &fakeBackend{chunks: content("first answer")}
	s := newTestServer(t, fb, nil)

	query(s, "one", "m")
	query(s, "two", "m")

	req := fb.lastRequest(t)
	require.Len(t, req.Messages, 3)
	require.Equal(t, "one", req.Messages[0].Content)
	require.Equal(t, "assistant", req.Messages[1].Role)
	require.Equal(t, "first answer", req.Messages[1].Content)
	require.Equal(t, "two", req.Messages[2].Content)
}

func TestQuery_ClientCancelled(t *testing.T) {
	fb := &fakeBackend{chunks: content("a", "b", "c")}
	s := newTestServer(t, fb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/query-llm?input=hi&model=m", nil).WithContext(ctx)
	w := serve(s, req)

	require.NotContains(t, w.Body.String(), "[Done]")
	require.NotContains(t, w.Body.String(), "[Error]")
	require.Empty(t, s.Store().GetOrCreate(testClient))
}

// =============================================================================
// ATTACHMENT & CONTEXT TESTS
// =============================================================================

func TestRegisterAttachment_UsedByNextQuery(t *testing.T) {
	fb := &fakeBackend{chunks: content("a cat")}
	s := newTestServer(t, fb, nil)

	w := serve(s, uploadRequest(t, pngBytes))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, 1, s.Staging().Pending(testClient))

	query(s, "what+is+this", "llava")

	msgs := fb.lastRequest(t).Messages
	require.Equal(t, []string{base64.StdEncoding.EncodeToString(pngBytes)}, msgs[len(msgs)-1].Images)

	entries, err := os.ReadDir(s.Staging().Dir())
	require.NoError(t, err)
	require.Empty(t, entries, "staged files are deleted once consumed")
}

func TestRegisterAttachment_Rejects(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)

	w := serve(s, uploadRequest(t))
	require.Equal(t, http.StatusBadRequest, w.Code, "no files")

	w = serve(s, uploadRequest(t, []byte("plain text, not an image")))
	require.Equal(t, http.StatusBadRequest, w.Code, "not an image")
	require.Contains(t, w.Body.String(), "not an image")

	req := httptest.NewRequest("POST", "/register-attachment", strings.NewReader("junk"))
	req.Header.Set("Content-Type", "text/plain")
	w = serve(s, req)
	require.Equal(t, http.StatusBadRequest, w.Code, "not multipart")
}

func TestRegisterAttachment_PerClient(t *testing.T) {
	fb := &fakeBackend{chunks: content("ok")}
	s := newTestServer(t, fb, nil)

	serve(s, uploadRequest(t, pngBytes))

	other := httptest.NewRequest("GET", "/query-llm?input=hi&model=m", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	serve(s, other)

	require.Empty(t, fb.lastRequest(t).Messages[0].Images, "another client must not receive the upload")
	require.Equal(t, 1, s.Staging().Pending(testClient))
}

func TestClearContext(t *testing.T) {
	fb := &fakeBackend{chunks: content("answer")}
	s := newTestServer(t, fb, nil)

	query(s, "hi", "m")
	serve(s, uploadRequest(t, pngBytes))
	require.Len(t, s.Store().GetOrCreate(testClient), 2)

	w := serve(s, httptest.NewRequest("POST", "/clear-context", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, s.Store().GetOrCreate(testClient))
	require.Equal(t, 0, s.Staging().Pending(testClient))
}

func TestCookieIdentity(t *testing.T) {
	fb := &fakeBackend{chunks: content("answer")}
	s := newTestServer(t, fb, func(c *config.Config) { c.Context.Identity = config.IdentityCookie })

	first := query(s, "hi", "m")
	cookies := first.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, ClientCookie, cookies[0].Name)

	req := httptest.NewRequest("GET", "/query-llm?input=again&model=m", nil)
	req.AddCookie(cookies[0])
	serve(s, req)
	require.Len(t, fb.lastRequest(t).Messages, 3, "same cookie continues the conversation")

	query(s, "stranger", "m")
	require.Len(t, fb.lastRequest(t).Messages, 1, "no cookie starts a new conversation")
}

// =============================================================================
// ASSET & ERROR TESTS
// =============================================================================

func TestAssets(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/index.js", "text/javascript", "EventSource"},
		{"/public/style.css", "text/css", "#response-p"},
		{"/public/chroma.css", "text/css", ".chroma"},
	}
	for _, tt := range tests {
		w := serve(s, httptest.NewRequest("GET", tt.path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: Status = %d, want 200", tt.path, w.Code)
			continue
		}
		require.Contains(t, w.Header().Get("Content-Type"), tt.contentType, tt.path)
		require.Contains(t, w.Body.String(), tt.contains, tt.path)
	}

	w := serve(s, httptest.NewRequest("GET", "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	w := serve(s, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, contentSecurityPolicy, w.Header().Get("Content-Security-Policy"))
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteError_InnermostCause(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	err := fmt.Errorf("handler: %w", fmt.Errorf("read template: %w", errors.New("disk <full>")))

	w := httptest.NewRecorder()
	s.writeError(w, httptest.NewRequest("GET", "/", nil), err)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "<p>disk &lt;full&gt;</p>")
	require.NotContains(t, w.Body.String(), "handler:")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.TrustedProxies = []string{"not-an-ip"}
	_, err := New(cfg, &fakeBackend{}, nil)
	require.Error(t, err)
}

func TestApplyConfig(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)

	cfg := s.Config().Clone()
	cfg.Context.MaxMessages = 6
	cfg.Context.IdleTTL = config.Duration{Duration: time.Hour}
	cfg.Context.SweepInterval = config.Duration{Duration: 2 * time.Minute}
	cfg.UI.Title = "Renamed"
	require.NoError(t, s.ApplyConfig(cfg))

	policy := s.Store().Policy()
	require.Equal(t, 6, policy.MaxMessages)
	require.Equal(t, time.Hour, policy.IdleTTL)
	require.Equal(t, 2*time.Minute, policy.SweepInterval)
	require.Contains(t, serve(s, httptest.NewRequest("GET", "/", nil)).Body.String(), "<title>Renamed</title>")
}

func TestApplyConfig_AttachmentLimits(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	dir := s.Staging().Dir()

	cfg := s.Config().Clone()
	cfg.Attachments.MaxBytes = 8
	require.NoError(t, s.ApplyConfig(cfg))

	w := serve(s, uploadRequest(t, pngBytes))
	require.Equal(t, http.StatusBadRequest, w.Code, "upload above the new size limit")
	require.Equal(t, 0, s.Staging().Pending(testClient))

	cfg = cfg.Clone()
	cfg.Attachments.MaxBytes = 1 << 20
	cfg.Attachments.MaxFiles = 1
	cfg.Attachments.SharedQueue = true
	require.NoError(t, s.ApplyConfig(cfg))

	require.Equal(t, http.StatusNoContent, serve(s, uploadRequest(t, pngBytes)).Code)
	require.Equal(t, http.StatusBadRequest, serve(s, uploadRequest(t, pngBytes)).Code, "queue above the new file limit")

	opts := s.Staging().Options()
	require.True(t, opts.Shared)
	require.Equal(t, dir, opts.Dir)
	require.Equal(t, 1, s.Staging().Pending("anyone"), "shared queue serves every client")
}

func TestApplyConfig_RateLimit(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	listModels := func() int {
		return serve(s, httptest.NewRequest("GET", "/list-models", nil)).Code
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, listModels())
	}

	cfg := s.Config().Clone()
	cfg.Server.RateLimit = 1
	cfg.Server.RateBurst = 1
	require.NoError(t, s.ApplyConfig(cfg))
	require.Equal(t, http.StatusOK, listModels())
	require.Equal(t, http.StatusTooManyRequests, listModels())

	limiter := s.Limiter()
	cfg = cfg.Clone()
	cfg.Server.RateLimit = 2
	require.NoError(t, s.ApplyConfig(cfg))
	require.Same(t, limiter, s.Limiter(), "changing the rate keeps client buckets")

	cfg = cfg.Clone()
	cfg.Server.RateLimit = 0
	require.NoError(t, s.ApplyConfig(cfg))
	require.Nil(t, s.Limiter())
	require.Equal(t, http.StatusOK, listModels())
}

func TestApplyConfig_Identity(t *testing.T) {
	fb := &fakeBackend{chunks: content("answer")}
	s := newTestServer(t, fb, nil)

	require.Empty(t, query(s, "hi", "m").Result().Cookies())

	cfg := s.Config().Clone()
	cfg.Context.Identity = config.IdentityCookie
	require.NoError(t, s.ApplyConfig(cfg))

	cookies := query(s, "hi", "m").Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, ClientCookie, cookies[0].Name)
}

func TestApplyConfig_TrustedProxies(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	forwarded := func() *http.Request {
		req := uploadRequest(t, pngBytes)
		req.Header.Set("X-Forwarded-For", "203.0.113.50")
		return req
	}

	serve(s, forwarded())
	require.Equal(t, 1, s.Staging().Pending(testClient), "untrusted forwarder is ignored")

	cfg := s.Config().Clone()
	cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	require.NoError(t, s.ApplyConfig(cfg))

	serve(s, forwarded())
	require.Equal(t, 1, s.Staging().Pending("ip:203.0.113.50"))
}

func TestApplyConfig_CodeStyle(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	stylesheet := func() string {
		return serve(s, httptest.NewRequest("GET", "/public/chroma.css", nil)).Body.String()
	}
	before := stylesheet()
	renderer := s.Renderer()

	cfg := s.Config().Clone()
	cfg.UI.CodeStyle = "monokai"
	require.NoError(t, s.ApplyConfig(cfg))

	require.NotEqual(t, before, stylesheet())
	require.NotSame(t, renderer, s.Renderer())
}

func TestApplyConfig_InvalidKeepsCurrent(t *testing.T) {
	s := newTestServer(t, &fakeBackend{}, nil)
	current := s.Config()

	cfg := current.Clone()
	cfg.Context.MaxMessages = 2
	cfg.Server.TrustedProxies = []string{"not-an-ip"}
	require.Error(t, s.ApplyConfig(cfg))

	require.Same(t, current, s.Config())
	require.Equal(t, current.Context.MaxMessages, s.Store().Policy().MaxMessages)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, &fakeBackend{version: "1"}, nil)
	serve(s, uploadRequest(t, pngBytes))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	entries, err := os.ReadDir(s.Staging().Dir())
	require.NoError(t, err)
	require.Empty(t, entries, "pending attachments are purged on shutdown")
}
