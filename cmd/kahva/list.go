// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/autobrr/kahva/internal/backend"
	"github.com/autobrr/kahva/internal/store"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"

	maxNameWidth = 60
)

func RunListCommand() *cobra.Command {
	var configDir, baseURL, sortKey, order, search, filterExpr, output string

	command := &cobra.Command{
		Use:   "list",
		Short: "Fetch the torrent list once and print it",
		Long: `Fetch the torrent list from the backend once and print the ordered view.

Without --sort the configured default sort is used; with no default the
newest torrents are listed first.

Examples:
  kahva list --sort size_bytes --order desc
  kahva list --search ubuntu
  kahva list --expr 'is_active == 1 && upload_rate > 0' --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := resolveOutput(output, term.IsTerminal(int(os.Stdout.Fd())))
			if err != nil {
				return err
			}

			cfg, err := loadConfig(configDir, baseURL)
			if err != nil {
				return err
			}

			st := store.New(store.WithSort(defaultSort(cfg.Config)))

			if cmd.Flags().Changed("sort") || cmd.Flags().Changed("order") {
				key := string(st.Sort().Key)
				if cmd.Flags().Changed("sort") {
					key = sortKey
				}
				spec, err := store.ParseSortSpec(key, order)
				if err != nil {
					return err
				}
				if err := st.SetSort(spec); err != nil {
					return errors.Wrapf(err, "valid keys: %s", joinFields(st.Fields()))
				}
			}

			if err := st.SetFilter(store.Filter{Search: search, Expr: filterExpr}); err != nil {
				return err
			}

			client, err := backend.NewClient(clientConfig(cfg.Config), st)
			if err != nil {
				return errors.Wrap(err, "failed to create backend client")
			}

			if err := client.ProbeLiveness(cmd.Context()); err != nil {
				return errors.Wrapf(err, "backend at %s is not reachable", client.BaseURL())
			}

			if _, err := backend.NewPoller(client, pollerConfig(cfg.Config)).RefreshOnce(cmd.Context()); err != nil {
				return errors.Wrap(err, "failed to fetch torrents")
			}

			return writeTorrents(cmd.OutOrStdout(), format, st.OrderedView(), st.Len())
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&baseURL, "base-url", "", "backend base URL, overrides the configuration")
	command.Flags().StringVar(&sortKey, "sort", "", "field to sort by, empty for newest first")
	command.Flags().StringVar(&order, "order", "asc", "sort order: asc or desc")
	command.Flags().StringVarP(&search, "search", "s", "", "only list torrents whose name or hash matches")
	command.Flags().StringVar(&filterExpr, "expr", "", "only list torrents matching a boolean expression")
	command.Flags().StringVarP(&output, "output", "o", "", "output format: table, json or yaml (default table on a terminal, json otherwise)")

	return command
}

func resolveOutput(output string, isTerminal bool) (string, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "":
		if isTerminal {
			return outputTable, nil
		}
		return outputJSON, nil
	case outputTable:
		return outputTable, nil
	case outputJSON:
		return outputJSON, nil
	case outputYAML, "yml":
		return outputYAML, nil
	default:
		return "", errors.Errorf("unknown output format %q", output)
	}
}

func writeTorrents(w io.Writer, format string, torrents []store.Torrent, total int) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(torrents)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(torrents); err != nil {
			return errors.Wrap(err, "failed to encode yaml")
		}
		return enc.Close()
	default:
		return writeTable(w, torrents, total)
	}
}

func writeTable(w io.Writer, torrents []store.Torrent, total int) error {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	activeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	idleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	nameWidth := lipgloss.Width("NAME")
	for _, t := range torrents {
		nameWidth = max(nameWidth, min(lipgloss.Width(t.Name()), maxNameWidth))
	}

	_, _ = fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n",
		headerStyle.Render(padRight("NAME", nameWidth)),
		headerStyle.Render(padRight("SIZE", 10)),
		headerStyle.Render(padRight("DONE", 6)),
		headerStyle.Render(padRight("STATE", 8)),
		headerStyle.Render(padRight("UP", 12)),
		headerStyle.Render("DOWN"),
	)
	_, _ = fmt.Fprintln(w, strings.Repeat("-", nameWidth+50))

	for _, t := range torrents {
		name := ansi.Truncate(t.Name(), nameWidth, "...")

		state := torrentState(t)
		stateStyle := idleStyle
		if state == "active" {
			stateStyle = activeStyle
		}

		_, _ = fmt.Fprintf(w, "%s  %s  %s  %s  %s  %s\n",
			padRight(name, nameWidth),
			padRight(formatBytes(t, store.FieldSizeBytes), 10),
			padRight(progress(t), 6),
			stateStyle.Render(padRight(state, 8)),
			padRight(formatRate(t, store.FieldUploadRate), 12),
			formatRate(t, store.FieldDownloadRate),
		)
	}

	_, _ = fmt.Fprintln(w)
	_, err := fmt.Fprintf(w, "Showing %d of %d torrents\n", len(torrents), total)
	return err
}

func numberField(t store.Torrent, f store.Field) (float64, bool) {
	v, ok := t.Value(f)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		return parsed, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truthy(t store.Torrent, f store.Field) bool {
	n, ok := numberField(t, f)
	return ok && n != 0
}

func torrentState(t store.Torrent) string {
	switch {
	case truthy(t, store.FieldIsHashing):
		return "hashing"
	case truthy(t, store.FieldIsActive):
		return "active"
	case truthy(t, store.FieldIsOpen):
		return "paused"
	default:
		return "stopped"
	}
}

func formatBytes(t store.Torrent, f store.Field) string {
	n, ok := numberField(t, f)
	if !ok || n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func formatRate(t store.Torrent, f store.Field) string {
	n, ok := numberField(t, f)
	if !ok || n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n)) + "/s"
}

func progress(t store.Torrent) string {
	size, ok := numberField(t, store.FieldSizeBytes)
	if !ok || size <= 0 {
		return "-"
	}
	done, _ := numberField(t, store.FieldCompletedBytes)
	return fmt.Sprintf("%.0f%%", min(done/size, 1)*100)
}

func padRight(s string, length int) string {
	width := lipgloss.Width(s)
	if width >= length {
		return s
	}

	return s + strings.Repeat(" ", length-width)
}

func joinFields(fields []store.Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
