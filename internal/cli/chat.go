// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - The "llmui chat" command.
//
// An interactive REPL over one conversation. The history is kept in a
// conversation store with the same retention policy as the web UI.
//
// Interactive commands:
//   /help, /h           Show available commands
//   /clear, /c          Start a new conversation
//   /model [name]       Show or switch model
//   /think              Toggle thinking
//   /history            Show the conversation
//   /status, /s         Show session statistics
//   /quit, /q           Exit chat
//   Ctrl+D              Exit chat

package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/llmui/internal/config"
	"github.com/jeranaias/llmui/internal/conversation"
	"github.com/jeranaias/llmui/internal/ollama"
	"github.com/jeranaias/llmui/internal/server"
	"github.com/jeranaias/llmui/internal/util"
)

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line of input after printing a prompt.
type lineReader interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI whose history lives in the config directory.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history owner-readable only.
func (c *ChatCLI) SaveHistory() {
	var buf bytes.Buffer
	if _, err := c.line.WriteHistory(&buf); err != nil {
		return
	}
	util.AtomicWriteFileWithDir(c.historyFile, buf.Bytes(), 0600, 0700)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// scanReader reads lines from a non-terminal input such as a pipe.
type scanReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (s *scanReader) ReadInput(prompt string) (string, error) {
	io.WriteString(s.out, prompt)
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	io.WriteString(s.out, "\n")
	return s.scanner.Text(), nil
}

func (s *scanReader) Close() {}

func (a *App) newLineReader() lineReader {
	if isTerminal(a.In) && isTerminal(a.Out) {
		return NewChatCLI()
	}
	return &scanReader{scanner: bufio.NewScanner(a.In), out: a.Out}
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession is the state of one interactive chat.
type chatSession struct {
	out     io.Writer
	backend server.Backend
	store   *conversation.Store
	printer *printer
	url     string

	model string
	think bool
	turns int
	last  ollama.ChatChunk
}

func (a *App) chatCommand() *cobra.Command {
	var (
		model string
		think bool
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		Example: `  llmui chat
  llmui chat --model qwen3:8b --think`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd.Context(), model, think, raw)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&model, "model", "m", "", "model to use (default from config, else the first installed)")
	f.BoolVarP(&think, "think", "t", false, "ask a thinking model to think")
	f.BoolVar(&raw, "raw", false, "print markdown as-is even on a terminal")
	return cmd
}

func (a *App) runChat(ctx context.Context, model string, think, raw bool) error {
	backend := a.NewBackend(a.cfg)
	model, err := resolveModel(ctx, backend, model, a.cfg.Ollama.DefaultModel)
	if err != nil {
		return explain(err, model, a.cfg.Ollama.URL)
	}

	s := &chatSession{
		out:     a.Out,
		backend: backend,
		store: conversation.NewStore(conversation.Policy{
			MaxMessages: a.cfg.Context.MaxMessages,
		}, a.log.Named("context")),
		printer: a.newPrinter(raw),
		url:     a.cfg.Ollama.URL,
		model:   model,
		think:   think,
	}

	input := a.newLineReader()
	defer input.Close()

	fmt.Fprintln(a.Out, TitleStyle.Render("llmui chat")+DimStyle.Render(" - "+model+" - /help for commands"))
	for {
		line, err := input.ReadInput(PromptStyle.Render("> "))
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			break
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/"):
			if quit := s.command(line); quit {
				return nil
			}
			continue
		}

		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(a.Out, ErrorStyle.Render("Error:"), err)
		}
	}
	return nil
}

// send asks the model and records the turn once the reply is complete.
func (s *chatSession) send(ctx context.Context, input string) error {
	unlock, err := s.store.Lock(ctx, cliClient)
	if err != nil {
		return err
	}
	defer unlock()

	user := ollama.NewUserMessage(input)
	req := ollama.ChatRequest{
		Model:    s.model,
		Messages: append(s.store.GetOrCreate(cliClient), user),
		Stream:   true,
		Think:    s.think,
	}
	reply, final, err := s.printer.stream(ctx, s.backend, req)
	if err != nil {
		return explain(err, s.model, s.url)
	}
	s.store.Append(cliClient, user, reply)
	s.turns++
	s.last = final
	return nil
}

// command runs a slash command and reports whether the session should end.
func (s *chatSession) command(line string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "quit", "q", "exit":
		return true

	case "help", "h":
		s.help()

	case "clear", "c":
		s.store.Reset(cliClient)
		s.turns = 0
		fmt.Fprintln(s.out, SuccessStyle.Render("Started a new conversation."))

	case "model", "m":
		if arg == "" {
			fmt.Fprintln(s.out, RenderLabel("Model")+s.model)
			break
		}
		s.model = arg
		fmt.Fprintln(s.out, SuccessStyle.Render("Switched to "+arg+"."))

	case "think", "t":
		s.think = !s.think
		fmt.Fprintln(s.out, RenderLabel("Thinking")+onOff(s.think))

	case "history":
		s.history()

	case "status", "s":
		s.status()

	default:
		fmt.Fprintln(s.out, WarningStyle.Render("Unknown command /"+name+". Type /help for commands."))
	}
	return false
}

func (s *chatSession) help() {
	commands := [][2]string{
		{"/help", "Show this help"},
		{"/clear", "Start a new conversation"},
		{"/model [name]", "Show or switch model"},
		{"/think", "Toggle thinking"},
		{"/history", "Show the conversation"},
		{"/status", "Show session statistics"},
		{"/quit", "Exit (or Ctrl+D)"},
	}
	for _, c := range commands {
		fmt.Fprintln(s.out, util.PadRight(c[0], 16)+DimStyle.Render(c[1]))
	}
}

func (s *chatSession) history() {
	msgs := s.store.GetOrCreate(cliClient)
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, DimStyle.Render("No messages yet."))
		return
	}
	width := GetTerminalWidth() - 14
	for _, m := range msgs {
		text := strings.Join(strings.Fields(m.Content), " ")
		fmt.Fprintln(s.out, RenderLabel(m.Role)+util.TruncateWidth(text, width))
	}
}

func (s *chatSession) status() {
	fmt.Fprintln(s.out, RenderLabel("Model")+s.model)
	fmt.Fprintln(s.out, RenderLabel("Thinking")+onOff(s.think))
	fmt.Fprintln(s.out, RenderLabel("Turns")+fmt.Sprint(s.turns))
	fmt.Fprintln(s.out, RenderLabel("Messages")+fmt.Sprint(len(s.store.GetOrCreate(cliClient))))
	if s.last.EvalCount > 0 {
		fmt.Fprintln(s.out, RenderLabel("Last reply")+
			fmt.Sprintf("%d tokens, %.1f tok/s", s.last.EvalCount, s.last.TokensPerSecond()))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
