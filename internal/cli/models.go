// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - The "llmui models" command.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/llmui/internal/util"
)

func (a *App) modelsCommand() *cobra.Command {
	var running, asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List installed or running models",
		Args:  cobra.NoArgs,
		Example: `  llmui models
  llmui models --running
  llmui models --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runModels(cmd.Context(), running, asJSON)
		},
	}
	cmd.Flags().BoolVarP(&running, "running", "r", false, "list models loaded in memory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *App) runModels(ctx context.Context, running, asJSON bool) error {
	backend := a.NewBackend(a.cfg)
	now := time.Now()

	if running {
		models, err := backend.ListRunning(ctx)
		if err != nil {
			return explain(err, "", a.cfg.Ollama.URL)
		}
		if asJSON {
			return writeJSON(a.Out, models)
		}
		rows := make([][]string, 0, len(models))
		for _, m := range models {
			rows = append(rows, []string{
				m.Name,
				util.FormatBytes(m.Size),
				util.FormatBytes(m.SizeVRAM),
				expiresIn(m.ExpiresAt, now),
			})
		}
		writeTable(a.Out, []string{"NAME", "SIZE", "VRAM", "UNLOADS"}, rows)
		return nil
	}

	models, err := backend.ListModels(ctx)
	if err != nil {
		return explain(err, "", a.cfg.Ollama.URL)
	}
	if asJSON {
		return writeJSON(a.Out, models)
	}
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		rows = append(rows, []string{
			m.Name,
			util.FormatBytes(m.Size),
			orDash(m.Details.ParameterSize),
			orDash(m.Details.QuantizationLevel),
			util.FormatAge(m.ModifiedAt, now),
		})
	}
	writeTable(a.Out, []string{"NAME", "SIZE", "PARAMS", "QUANT", "MODIFIED"}, rows)
	return nil
}

// writeTable prints rows in columns sized to their widest cell.
func writeTable(w io.Writer, header []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No models."))
		return
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = util.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], util.StringWidth(cell))
		}
	}

	line := func(cells []string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(util.PadRight(cell, widths[i]+2))
		}
		return b.String()
	}

	fmt.Fprintln(w, HeaderStyle.Render(line(header)))
	for _, row := range rows {
		fmt.Fprintln(w, line(row))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expiresIn(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d <= 0 {
		return "now"
	}
	return "in " + d.Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

