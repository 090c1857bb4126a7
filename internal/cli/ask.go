// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - The "llmui ask" command.
//
// Sends a single question to the model and streams the answer to stdout.
// Thinking is shown dimmed ahead of the answer. On a terminal the answer is
// rendered as markdown once complete; otherwise it streams as plain text.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/jeranaias/llmui/internal/attachment"
	"github.com/jeranaias/llmui/internal/markdown"
	"github.com/jeranaias/llmui/internal/ollama"
	"github.com/jeranaias/llmui/internal/server"
	"github.com/jeranaias/llmui/internal/transcoder"
)

type askOptions struct {
	model  string
	think  bool
	images []string
	raw    bool
}

func (a *App) askCommand() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question",
		Example: `  llmui ask "What is the capital of France?"
  llmui ask --think --model qwen3:8b "Why is the sky blue?"
  llmui ask --image cat.png --model llava "What is in this picture?"
  git diff | llmui ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, a.In)
			if err != nil {
				return err
			}
			return a.runAsk(cmd.Context(), prompt, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.model, "model", "m", "", "model to use (default from config, else the first installed)")
	f.BoolVarP(&opts.think, "think", "t", false, "ask a thinking model to think")
	f.StringArrayVarP(&opts.images, "image", "i", nil, "attach an image (repeatable)")
	f.BoolVar(&opts.raw, "raw", false, "print markdown as-is even on a terminal")
	return cmd
}

// readPrompt joins the arguments, or reads the whole of in when there are
// none and in is not a terminal.
func readPrompt(args []string, in io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && in != nil && !isTerminal(in) {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return "", errors.New("no question given")
	}
	return prompt, nil
}

func (a *App) runAsk(ctx context.Context, prompt string, opts askOptions) error {
	backend := a.NewBackend(a.cfg)

	model, err := resolveModel(ctx, backend, opts.model, a.cfg.Ollama.DefaultModel)
	if err != nil {
		return explain(err, opts.model, a.cfg.Ollama.URL)
	}
	images, err := loadImages(opts.images, a.cfg.Attachments.MaxBytes)
	if err != nil {
		return err
	}

	req := ollama.ChatRequest{
		Model:    model,
		Messages: []ollama.Message{ollama.NewUserMessage(prompt, images...)},
		Stream:   true,
		Think:    opts.think,
	}
	if _, _, err := a.newPrinter(opts.raw).stream(ctx, backend, req); err != nil {
		return explain(err, model, a.cfg.Ollama.URL)
	}
	return nil
}

// resolveModel picks the flag, then the configured default, then the first
// installed model.
func resolveModel(ctx context.Context, backend server.Backend, flag, fallback string) (string, error) {
	if m := strings.TrimSpace(flag); m != "" {
		return m, nil
	}
	if m := strings.TrimSpace(fallback); m != "" {
		return m, nil
	}
	models, err := backend.ListModels(ctx)
	if err != nil {
		return "", err
	}
	if len(models) == 0 {
		return "", errors.New("no models installed; pull one with `ollama pull <model>`")
	}
	return models[0].Name, nil
}

// loadImages validates and encodes image files through a throwaway staging
// area, so they pass the same checks as web uploads.
func loadImages(paths []string, maxBytes int64) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	dir, err := os.MkdirTemp("", "llmui-ask-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	staging := attachment.New(attachment.Options{Dir: dir, MaxBytes: maxBytes, MaxFiles: len(paths)}, nil)
	for _, p := range paths {
		if err := stageFile(staging, p); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return staging.DrainAll(cliClient)
}

func stageFile(staging *attachment.Staging, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = staging.Stage(cliClient, filepath.Base(path), f)
	return err
}

// cliClient is the conversation and attachment key used by the CLI.
const cliClient = "cli"

// =============================================================================
// STREAM PRINTER
// =============================================================================

// printer writes a streamed reply.
type printer struct {
	out     io.Writer
	profile termenv.Profile
	render  bool // render the answer with glamour once complete
	width   int
}

func (a *App) newPrinter(raw bool) *printer {
	return &printer{
		out:     a.Out,
		profile: GetColorProfile(),
		render:  !raw && isTerminal(a.Out),
		width:   GetTerminalWidth(),
	}
}

// stream runs req and prints the reply as it arrives. It returns the
// assistant message to keep in the history and the final chunk.
func (p *printer) stream(ctx context.Context, backend server.Backend, req ollama.ChatRequest) (ollama.Message, ollama.ChatChunk, error) {
	tc := transcoder.New(nil)
	var (
		final     ollama.ChatChunk
		shown     strings.Builder
		thinking  bool
		answering bool
	)

	writeAnswer := func(text string) {
		if !answering {
			if thinking {
				io.WriteString(p.out, "\n\n")
			}
			answering = true
		}
		shown.WriteString(text)
		if !p.render {
			io.WriteString(p.out, text)
		}
	}

	err := backend.ChatStream(ctx, req, func(chunk ollama.ChatChunk) {
		c := tc.Feed(transcoder.Fragment{
			Content:  chunk.Message.Content,
			Thinking: chunk.Message.Thinking,
		})
		if c.Thinking != "" && !answering {
			if !thinking {
				writeFaint(p.out, p.profile, "Thinking...\n")
				thinking = true
			}
			writeFaint(p.out, p.profile, c.Thinking)
		}
		if c.Answer != "" {
			writeAnswer(c.Answer)
		}
		if chunk.Done {
			final = chunk
		}
	})
	if err != nil {
		if thinking || answering {
			io.WriteString(p.out, "\n")
		}
		return ollama.Message{}, final, err
	}

	if tc.Flush() {
		if rest, ok := strings.CutPrefix(tc.Answer(), shown.String()); ok && rest != "" {
			writeAnswer(rest)
		}
	}
	if p.render {
		io.WriteString(p.out, markdown.NewTerminalRenderer(p.width).Render(tc.Answer()))
	} else {
		io.WriteString(p.out, "\n")
	}

	return ollama.NewAssistantMessage(tc.Answer(), tc.Thinking()), final, nil
}
