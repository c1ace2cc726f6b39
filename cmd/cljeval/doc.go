package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cljeval/cljeval/internal/document"
	"github.com/cljeval/cljeval/internal/theme"
)

func newDocCommand(a *app) *cobra.Command {
	flags := &requestFlags{}
	var (
		write     bool
		keepGoing bool
	)

	cmd := &cobra.Command{
		Use:   "doc <file.md>",
		Short: "Evaluate the Clojure blocks of a Markdown document and write their results",
		Long: "Evaluate every ```clojure block in a Markdown file in order and write each\n" +
			"result below its block. Header arguments on the fence line (:session,\n" +
			":results, :var, :eval no) override the flags for that block.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			kind, err := flags.kind()
			if err != nil {
				return err
			}
			bindings, err := flags.bindings()
			if err != nil {
				return err
			}

			// #nosec G304 -- path is supplied by the user on the command line.
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			out, report, err := document.Run(cmd.Context(), src, a.engine, document.Options{
				Languages: a.cfg.Document.Languages,
				Session:   flags.session,
				Results:   kind,
				Bindings:  bindings,
				KeepGoing: keepGoing,
				Logger:    a.logger.With("document", path),
			})
			if err != nil {
				return err
			}

			if write {
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("stat document: %w", err)
				}
				if err := os.WriteFile(path, out, info.Mode().Perm()); err != nil {
					return fmt.Errorf("write document: %w", err)
				}
			} else if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return fmt.Errorf("write document: %w", err)
			}

			summary := fmt.Sprintf("%d evaluated, %d skipped, %d failed", report.Evaluated, report.Skipped, report.Failed)
			style := theme.SuccessStyle
			if report.Failed > 0 {
				style = theme.ErrorStyle
			}
			fmt.Fprintln(cmd.ErrOrStderr(), style.Render(summary))
			if report.Failed > 0 {
				return fmt.Errorf("%d block(s) failed", report.Failed)
			}
			return nil
		},
	}

	flags.register(cmd, "value")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "rewrite the file in place instead of printing it")
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "record failures as results and continue")
	return cmd
}
