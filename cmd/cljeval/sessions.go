package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cljeval/cljeval/internal/session"
	"github.com/cljeval/cljeval/internal/theme"
)

type sessionRow struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	TmuxSession string `json:"tmux_session"`
	Addr        string `json:"addr,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

func sessionRows(infos []session.Info) []sessionRow {
	rows := make([]sessionRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, sessionRow{
			ID:          info.ID,
			State:       info.State.String(),
			TmuxSession: info.TmuxSession,
			Addr:        info.Addr,
			PID:         info.PID,
		})
	}
	return rows
}

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and stop persistent REPL sessions",
	}
	cmd.AddCommand(
		newSessionsListCommand(a),
		newSessionsKillCommand(a),
		newSessionsPruneCommand(a),
	)
	return cmd
}

func newSessionsListCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persistent sessions and whether they answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := a.sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := sessionRows(infos)

			switch format {
			case formatJSON:
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(rows); err != nil {
					return fmt.Errorf("write sessions: %w", err)
				}
				return nil
			case formatText:
				return writeSessionTable(cmd.OutOrStdout(), rows)
			default:
				return fmt.Errorf("unknown format %q (want text or json)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", formatText, "output format: text or json")
	return cmd
}

func newSessionsKillCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>...",
		Short: "Stop sessions and their REPL servers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.sessions.Teardown(cmd.Context(), id); err != nil {
					return fmt.Errorf("kill session %s: %w", id, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), theme.SuccessStyle.Render(theme.IconOK)+" stopped "+id)
			}
			return nil
		},
	}
}

func newSessionsPruneCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Stop sessions whose REPL server no longer answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pruned, err := a.sessions.Prune(cmd.Context())
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.MutedStyle.Render("no dead sessions"))
				return nil
			}
			for _, id := range pruned {
				fmt.Fprintln(cmd.OutOrStdout(), theme.WarningStyle.Render(theme.IconFailed)+" pruned "+id)
			}
			return nil
		},
	}
}

func writeSessionTable(out io.Writer, rows []sessionRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, theme.MutedStyle.Render("no sessions"))
		return err
	}

	idWidth, stateWidth := len("SESSION"), len("STATE")
	for _, row := range rows {
		idWidth = max(idWidth, lipgloss.Width(row.ID))
		stateWidth = max(stateWidth, lipgloss.Width(row.State)+2)
	}
	idColumn := lipgloss.NewStyle().Width(idWidth + 2)
	stateColumn := lipgloss.NewStyle().Width(stateWidth + 2)

	lines := []string{
		theme.HeadingStyle.Render(idColumn.Render("SESSION") + stateColumn.Render("STATE") + "ADDRESS"),
	}
	for _, row := range rows {
		state := stateStyle(row.State).Render(stateIcon(row.State) + " " + row.State)
		addr := row.Addr
		if addr == "" {
			addr = row.TmuxSession
		}
		lines = append(lines, idColumn.Render(row.ID)+stateColumn.Render(state)+theme.InfoStyle.Render(addr))
	}
	_, err := fmt.Fprintln(out, strings.Join(lines, "\n"))
	return err
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case session.StateLive.String():
		return theme.SuccessStyle
	case session.StateDead.String():
		return theme.ErrorStyle
	default:
		return theme.MutedStyle
	}
}

func stateIcon(state string) string {
	switch state {
	case session.StateLive.String():
		return theme.IconOK
	case session.StateDead.String():
		return theme.IconFailed
	default:
		return theme.IconSkipped
	}
}
