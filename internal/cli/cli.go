// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Root command and shared setup for the llmui CLI.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/llmui/internal/config"
	"github.com/jeranaias/llmui/internal/logging"
	"github.com/jeranaias/llmui/internal/ollama"
	"github.com/jeranaias/llmui/internal/server"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// APP
// =============================================================================

// App holds what every command shares: its streams, the loaded config and
// the logger.
type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// NewBackend builds the Ollama client for cfg.
	NewBackend func(cfg *config.Config) server.Backend

	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
	log *logging.Logger
}

// NewApp returns an App on the process streams talking to a real Ollama.
func NewApp() *App {
	return &App{
		In:         os.Stdin,
		Out:        os.Stdout,
		Err:        os.Stderr,
		NewBackend: newOllamaClient,
	}
}

func newOllamaClient(cfg *config.Config) server.Backend {
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL: cfg.Ollama.URL,
		Timeout: cfg.Ollama.Timeout.Duration,
	})
}

// Command builds the command tree. Without a subcommand llmui serves.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "llmui",
		Short: "Web chat front end for a local Ollama server",
		Long: `llmui serves a small chat page for the models of a local Ollama
server. Answers stream into the page as rendered markdown, with thinking
models' reasoning shown apart from the answer.

Getting started:
  # Serve the web UI on port 80 (or PORT)
  llmui

  # Ask a single question from the terminal
  llmui ask "What is a goroutine?"

  # Chat in the terminal
  llmui chat --model qwen3:8b`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd.Context())
		},
	}
	root.SetIn(a.In)
	root.SetOut(a.Out)
	root.SetErr(a.Err)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default ~/.llmui/config.toml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		a.serveCommand(),
		a.askCommand(),
		a.chatCommand(),
		a.modelsCommand(),
		a.configCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads the environment, the config and the logger. Config warnings
// are printed, not fatal.
func (a *App) setup() error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: a.Err,
	})
	if err != nil {
		return err
	}

	for _, w := range cfg.Warnings {
		fmt.Fprintln(a.Err, WarningStyle.Render(w))
	}

	a.cfg = cfg
	a.log = log
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp()
	if err := app.Command().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(app.Err, ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

// =============================================================================
// VERSION
// =============================================================================

func (a *App) versionCommand() *cobra.Command {
	var withOllama bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Printing the version must work with a broken config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if withOllama {
				return a.setup()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.Out, "llmui version %s\n", Version)
			fmt.Fprintf(a.Out, "  commit: %s\n  built:  %s\n", GitCommit, BuildDate)
			if !withOllama {
				return nil
			}

			backend := a.NewBackend(a.cfg)
			version, err := backend.Version(cmd.Context())
			if err != nil {
				return explain(err, "", a.cfg.Ollama.URL)
			}
			host, port := backend.Host()
			fmt.Fprintf(a.Out, "  ollama: %s (%s:%s)\n", version, host, port)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withOllama, "ollama", false, "also query the Ollama server version")
	return cmd
}

// =============================================================================
// ERRORS
// =============================================================================

// explain turns a backend error into a message for the terminal.
func explain(err error, model, url string) error {
	switch {
	case ollama.IsNotRunning(err):
		return fmt.Errorf("cannot connect to ollama server at %s; is it running?", url)
	case ollama.IsModelNotFound(err):
		return fmt.Errorf("model %q not found; pull it with `ollama pull %s`", model, model)
	case ollama.IsTimeout(err):
		return fmt.Errorf("ollama server at %s timed out", url)
	}
	return err
}
