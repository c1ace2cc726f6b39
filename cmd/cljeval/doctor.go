package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cljeval/cljeval/internal/doctor"
	"github.com/cljeval/cljeval/internal/theme"
)

var errUnhealthy = errors.New("environment is not ready; see doctor output")

func newDoctorCommand(a *app) *cobra.Command {
	var (
		repair bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the runtime, tmux and persistent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != formatText && format != formatJSON {
				return fmt.Errorf("unknown format %q (want text or json)", format)
			}
			manager, err := doctor.NewManager(a.sessions, a.bus, doctor.Config{
				Runtime: a.cfg.Runtime,
				Repair:  repair,
			})
			if err != nil {
				return err
			}
			report, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			if format == formatJSON {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
					return fmt.Errorf("write doctor report: %w", err)
				}
			} else if err := writeDoctorReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "stop sessions whose REPL server no longer answers")
	cmd.Flags().StringVar(&format, "format", formatText, "output format: text or json")
	return cmd
}

func writeDoctorReport(out io.Writer, report doctor.Report) error {
	lines := []string{theme.HeadingStyle.Render("Environment")}
	for _, check := range report.Checks {
		var icon string
		switch {
		case check.OK:
			icon = theme.SuccessStyle.Render(theme.IconOK)
		case check.Optional:
			icon = theme.WarningStyle.Render(theme.IconSkipped)
		default:
			icon = theme.ErrorStyle.Render(theme.IconFailed)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", icon, check.Name, theme.MutedStyle.Render(check.Detail)))
	}

	lines = append(lines, "", theme.HeadingStyle.Render("Sessions"))
	lines = append(lines, fmt.Sprintf("%s %d live", theme.SuccessStyle.Render(theme.IconOK), report.LiveSessions))
	pruned := make(map[string]struct{}, len(report.Pruned))
	for _, id := range report.Pruned {
		pruned[id] = struct{}{}
	}
	for _, id := range report.DeadSessions {
		if _, ok := pruned[id]; ok {
			lines = append(lines, fmt.Sprintf("%s %s pruned", theme.WarningStyle.Render(theme.IconAlert), id))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s not answering (run with --repair)", theme.ErrorStyle.Render(theme.IconFailed), id))
	}

	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write doctor report: %w", err)
	}
	return nil
}
