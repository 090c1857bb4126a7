// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
}

func writeLines(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, l := range lines {
		io.WriteString(w, l+"\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewUserMessage(t *testing.T) {
	msg := NewUserMessage("Hello", "aW1n")

	if msg.Role != "user" {
		t.Errorf("Role = %q, want 'user'", msg.Role)
	}
	if msg.Content != "Hello" {
		t.Errorf("Content = %q, want 'Hello'", msg.Content)
	}
	if len(msg.Images) != 1 || msg.Images[0] != "aW1n" {
		t.Errorf("Images = %v, want [aW1n]", msg.Images)
	}
}

func TestNewAssistantMessage(t *testing.T) {
	msg := NewAssistantMessage("Response", "pondering")

	if msg.Role != "assistant" {
		t.Errorf("Role = %q, want 'assistant'", msg.Role)
	}
	if msg.Thinking != "pondering" {
		t.Errorf("Thinking = %q, want 'pondering'", msg.Thinking)
	}
}

func TestMessage_OmitsEmptyOptionalFields(t *testing.T) {
	data, err := json.Marshal(NewUserMessage("hi"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "thinking") || strings.Contains(string(data), "images") {
		t.Errorf("unexpected optional fields in %s", data)
	}
}

func TestShowModelResponse_HasCapability(t *testing.T) {
	resp := &ShowModelResponse{Capabilities: []string{"completion", "thinking"}}

	if !resp.HasCapability("thinking") {
		t.Error("expected thinking capability")
	}
	if resp.HasCapability("vision") {
		t.Error("did not expect vision capability")
	}
}

// =============================================================================
// MODEL OPERATION TESTS
// =============================================================================

func TestClient_ListModels(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		io.WriteString(w, `{"models":[{"name":"qwen3:8b"},{"name":"llava:7b"}]}`)
	})

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 || models[0].Name != "qwen3:8b" {
		t.Errorf("models = %+v", models)
	}
}

func TestClient_ListRunning_EmptyIsNotNil(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})

	models, err := client.ListRunning(context.Background())
	if err != nil {
		t.Fatalf("ListRunning failed: %v", err)
	}
	if models == nil {
		t.Error("ListRunning returned nil slice, want empty slice")
	}
}

func TestClient_Show_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ShowModelRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model '`+req.Model+`' not found"}`)
	})

	_, err := client.Show(context.Background(), "ghost")
	if !IsModelNotFound(err) {
		t.Fatalf("err = %v, want model not found", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error %q should carry Ollama's message", err.Error())
	}

	var ce *ClientError
	if !errors.As(err, &ce) || ce.Status != http.StatusNotFound {
		t.Errorf("Status = %v, want 404", ce)
	}
}

func TestClient_Show_Capabilities(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"capabilities":["completion","vision"],"details":{"family":"llava"}}`)
	})

	info, err := client.Show(context.Background(), "llava:7b")
	if err != nil {
		t.Fatalf("Show failed: %v", err)
	}
	if !info.HasCapability("vision") {
		t.Errorf("Capabilities = %v, want vision", info.Capabilities)
	}
}

func TestClient_ServerErrorIsProtocol(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"out of memory"}`)
	})

	_, err := client.Version(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if err.Error() != "out of memory" {
		t.Errorf("Error() = %q, want 'out of memory'", err.Error())
	}
}

func TestClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: url})
	_, err := client.ListModels(context.Background())
	if !IsNotRunning(err) {
		t.Fatalf("err = %v, want not running", err)
	}
	if errors.Unwrap(err) == nil {
		t.Error("not running error should wrap the transport cause")
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient()
	if c.BaseURL() != DefaultConfig().BaseURL {
		t.Errorf("BaseURL() = %q, want %q", c.BaseURL(), DefaultConfig().BaseURL)
	}
}

func TestClient_Host(t *testing.T) {
	tests := []struct {
		url      string
		wantHost string
		wantPort string
	}{
		{"http://127.0.0.1:11434", "127.0.0.1", "11434"},
		{"http://gpu-box/", "gpu-box", "80"},
		{"https://ollama.lan", "ollama.lan", "443"},
	}
	for _, tt := range tests {
		c := NewClientWithConfig(&ClientConfig{BaseURL: tt.url})
		host, port := c.Host()
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("Host(%s) = %s,%s want %s,%s", tt.url, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestClient_ChatStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || !req.Think {
			t.Errorf("Stream=%v Think=%v, want both true", req.Stream, req.Think)
		}
		writeLines(w,
			`{"model":"qwen3","message":{"role":"assistant","content":"","thinking":"hmm"},"done":false}`,
			``,
			`{"model":"qwen3","message":{"role":"assistant","content":"Hel"},"done":false}`,
			`not json`,
			`{"model":"qwen3","message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"model":"qwen3","message":{"role":"assistant","content":""},"done":true,"eval_count":3}`,
		)
	})

	var content, thinking strings.Builder
	var last ChatChunk
	err := client.ChatStream(context.Background(), ChatRequest{Model: "qwen3", Think: true}, func(c ChatChunk) {
		content.WriteString(c.Message.Content)
		thinking.WriteString(c.Message.Thinking)
		last = c
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if content.String() != "Hello" {
		t.Errorf("content = %q, want 'Hello'", content.String())
	}
	if thinking.String() != "hmm" {
		t.Errorf("thinking = %q, want 'hmm'", thinking.String())
	}
	if !last.Done || last.EvalCount != 3 {
		t.Errorf("last chunk = %+v, want done with eval_count 3", last)
	}
}

func TestClient_ChatStream_ErrorLine(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w,
			`{"message":{"content":"a"}}`,
			`{"message":{"content":"b"}}`,
			`{"error":"model runner has unexpectedly stopped"}`,
			`{"message":{"content":"never"}}`,
		)
	})

	var got []string
	err := client.ChatStream(context.Background(), ChatRequest{Model: "m"}, func(c ChatChunk) {
		got = append(got, c.Message.Content)
	})
	if !IsProtocol(err) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("chunks before error = %v, want [a b]", got)
	}
}

func TestClient_ChatStream_ModelNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model \"ghost\" not found, try pulling it first"}`)
	})

	err := client.ChatStream(context.Background(), ChatRequest{Model: "ghost"}, func(ChatChunk) {
		t.Error("callback should not be called")
	})
	if !IsModelNotFound(err) {
		t.Fatalf("err = %v, want model not found", err)
	}
}

func TestClient_ChatStream_Cancelled(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"message":{"content":"first"}}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	err := client.ChatStream(ctx, ChatRequest{Model: "m"}, func(c ChatChunk) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStreamReader_TrailingLineWithoutNewline(t *testing.T) {
	r := NewStreamReader(strings.NewReader(`{"model":"m","message":{"content":"x"},"done":true}`))

	var n int
	if err := r.Process(context.Background(), func(ChatChunk) { n++ }); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 1 {
		t.Errorf("chunks = %d, want 1", n)
	}
}

func TestChatChunk_TokensPerSecond(t *testing.T) {
	c := ChatChunk{EvalCount: 100, EvalDuration: 2_000_000_000}
	if got := c.TokensPerSecond(); got != 50 {
		t.Errorf("TokensPerSecond() = %v, want 50", got)
	}
	if got := (&ChatChunk{}).TokensPerSecond(); got != 0 {
		t.Errorf("TokensPerSecond() with zero duration = %v, want 0", got)
	}
}
