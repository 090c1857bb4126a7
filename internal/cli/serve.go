// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - The "llmui serve" command.

package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/config"
	"github.com/jeranaias/llmui/internal/server"
)

func (a *App) serveCommand() *cobra.Command {
	var (
		port int
		bind string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI (default command)",
		Args:  cobra.NoArgs,
		Example: `  llmui serve
  PORT=8080 OLLAMA_SERVER=http://gpu-box:11434 llmui serve
  llmui serve --bind 127.0.0.1 --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("bind") {
				a.cfg.Server.BindAddress = bind
			}
			return a.runServe(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "listen port")
	cmd.Flags().StringVar(&bind, "bind", config.DefaultBindAddress, "listen address")
	return cmd
}

// runServe serves until ctx is cancelled, reloading the config file when it
// changes.
func (a *App) runServe(ctx context.Context) error {
	srv, err := server.New(a.cfg, a.NewBackend(a.cfg), a.log.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if path := a.watchPath(); path != "" {
		go func() {
			err := config.Watch(ctx, path, config.DefaultWatchDebounce,
				func(next *config.Config) { a.reload(srv, next) },
				func(err error) { a.log.Warn("CONFIG_RELOAD_FAILED", zap.String("path", path), zap.Error(err)) },
			)
			if err != nil {
				a.log.Warn("CONFIG_WATCH_FAILED", zap.String("path", path), zap.Error(err))
			}
		}()
	}

	return srv.Run(ctx)
}

// watchPath returns the config file to watch: the --config path, or the
// default file that exists. "" when there is none.
func (a *App) watchPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	for _, locate := range []func() (string, error){config.ConfigPathTOML, config.ConfigPathJSON} {
		if p, err := locate(); err == nil {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// reload applies a changed config to the running server. The listener,
// the backend and the attachment directory are fixed for the life of the
// process.
func (a *App) reload(srv *server.Server, next *config.Config) {
	current := srv.Config()
	if next.Addr() != current.Addr() || next.Ollama.URL != current.Ollama.URL ||
		next.Attachments.Dir != current.Attachments.Dir {
		a.log.Warn("CONFIG_RESTART_REQUIRED",
			zap.String("addr", next.Addr()),
			zap.String("ollama", next.Ollama.URL),
			zap.String("attachments_dir", next.Attachments.Dir),
		)
	}
	next.Server.Port = current.Server.Port
	next.Server.BindAddress = current.Server.BindAddress
	next.Ollama.URL = current.Ollama.URL
	next.Attachments.Dir = current.Attachments.Dir

	if err := srv.ApplyConfig(next); err != nil {
		a.log.Error("CONFIG_RELOAD_FAILED", zap.Error(err))
		return
	}
	if err := a.log.SetLevel(next.Log.Level); err != nil {
		a.log.Warn("CONFIG_LOG_LEVEL_INVALID", zap.Error(err))
	}
	a.log.Info("CONFIG_RELOADED",
		zap.String("level", next.Log.Level),
		zap.Int("max_messages", next.Context.MaxMessages),
	)
}
