// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - The "llmui config" command.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/llmui/internal/config"
	"github.com/jeranaias/llmui/internal/util"
)

const configKeyWidth = 18

func (a *App) configCommand() *cobra.Command {
	var asJSON bool
	show := func(cmd *cobra.Command, args []string) error {
		if asJSON {
			return writeJSON(a.Out, a.cfg)
		}
		a.showConfig()
		return nil
	}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
		Args:  cobra.NoArgs,
		Example: `  llmui config
  llmui config --json
  llmui config path
  llmui config init`,
		RunE: show,
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  show,
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(showCmd, a.configPathCommand(), a.configInitCommand())
	return cmd
}

// showConfig prints the effective configuration, environment overrides
// included, one section per table.
func (a *App) showConfig() {
	c := a.cfg
	w := a.Out

	fmt.Fprintln(w, TitleStyle.Render("llmui configuration"))
	fmt.Fprintln(w, RenderSeparator(41))

	section(w, "server",
		"bind_address", c.Server.BindAddress,
		"port", c.Server.Port,
		"rate_limit", c.Server.RateLimit,
		"rate_burst", c.Server.RateBurst,
		"trusted_proxies", orDash(strings.Join(c.Server.TrustedProxies, ", ")),
	)
	section(w, "ollama",
		"url", c.Ollama.URL,
		"timeout", c.Ollama.Timeout,
		"default_model", orDash(c.Ollama.DefaultModel),
	)
	section(w, "context",
		"identity", c.Context.Identity,
		"max_messages", c.Context.MaxMessages,
		"idle_ttl", c.Context.IdleTTL,
		"sweep_interval", c.Context.SweepInterval,
	)
	section(w, "attachments",
		"dir", c.Attachments.Dir,
		"max_bytes", util.FormatBytes(c.Attachments.MaxBytes),
		"max_files", c.Attachments.MaxFiles,
		"shared_queue", c.Attachments.SharedQueue,
	)
	section(w, "log",
		"level", c.Log.Level,
		"format", c.Log.Format,
	)
	section(w, "ui",
		"title", c.UI.Title,
		"code_style", c.UI.CodeStyle,
	)

	fmt.Fprintln(w, RenderSeparator(41))
	if path := a.watchPath(); path != "" {
		fmt.Fprintf(w, "Config file: %s\n", path)
	} else {
		fmt.Fprintln(w, "Config file: "+DimStyle.Render("(none, using defaults)"))
	}
}

// section prints "[name]" followed by key/value pairs.
func section(w io.Writer, name string, kv ...any) {
	fmt.Fprintln(w, HeaderStyle.Render("["+name+"]"))
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i]) + ":"
		fmt.Fprintf(w, "  %s%v\n", DimStyle.Render(util.PadRight(key, configKeyWidth)), kv[i+1])
	}
	fmt.Fprintln(w)
}

func (a *App) configPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		// Needs no config, and must work with a broken one.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.initPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.Out, path)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(a.Err, DimStyle.Render("(file does not exist; create it with `llmui config init`)"))
			}
			return nil
		},
	}
}

func (a *App) configInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.initPath()
			if err != nil {
				return err
			}
			if strings.HasSuffix(path, ".json") {
				return fmt.Errorf("%s: init writes TOML; pass a .toml path", path)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintln(a.Out, SuccessStyle.Render("Wrote "+path))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

// initPath is the file "config path" and "config init" act on: the
// --config path, the default file that exists, or the default TOML path.
func (a *App) initPath() (string, error) {
	if path := a.watchPath(); path != "" {
		return path, nil
	}
	return config.ConfigPathTOML()
}
