package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/forms"
	"github.com/cljeval/cljeval/internal/value"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// requestFlags are shared by eval and doc.
type requestFlags struct {
	session  string
	results  string
	vars     []string
	varsFile string
}

func (f *requestFlags) register(cmd *cobra.Command, defaultResults string) {
	cmd.Flags().StringVarP(&f.session, "session", "s", "none", `session id, or "none" for a fresh process`)
	cmd.Flags().StringVarP(&f.results, "results", "r", defaultResults, "what to capture: output or value")
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "bind name=value around the snippet (repeatable)")
	cmd.Flags().StringVar(&f.varsFile, "vars-file", "", "YAML mapping of bindings, applied before --var")
}

func (f *requestFlags) kind() (engine.ResultKind, error) {
	return engine.ParseResultKind(f.results)
}

// bindings returns the vars file entries followed by --var entries.
func (f *requestFlags) bindings() (forms.Bindings, error) {
	bindings := forms.Bindings{}
	if path := strings.TrimSpace(f.varsFile); path != "" {
		// #nosec G304 -- path is supplied by the user on the command line.
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open vars file: %w", err)
		}
		defer func() {
			_ = file.Close()
		}()
		loaded, err := forms.LoadBindingsYAML(file)
		if err != nil {
			return nil, fmt.Errorf("vars file %s: %w", path, err)
		}
		bindings = append(bindings, loaded...)
	}
	parsed, err := forms.ParseAssignments(f.vars)
	if err != nil {
		return nil, err
	}
	return append(bindings, parsed...), nil
}

type evalResult struct {
	Kind   string       `json:"kind"`
	Output *string      `json:"output,omitempty"`
	Value  *value.Value `json:"value,omitempty"`
}

func newEvalCommand(a *app) *cobra.Command {
	flags := &requestFlags{}
	var (
		file   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "eval [code]",
		Short: "Evaluate a snippet and print its output or value",
		Long: "Evaluate a Clojure snippet given as an argument, with --file, or on stdin.\n" +
			"With --session none the snippet runs in a fresh process; any other id\n" +
			"reuses or starts a persistent REPL session of that name.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatText && format != formatJSON {
				return fmt.Errorf("unknown format %q (want text or json)", format)
			}
			kind, err := flags.kind()
			if err != nil {
				return err
			}
			bindings, err := flags.bindings()
			if err != nil {
				return err
			}
			body, err := readSnippet(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}

			result, err := a.engine.Evaluate(cmd.Context(), engine.Request{
				Body:       body,
				Bindings:   bindings,
				Kind:       kind,
				SessionRef: flags.session,
			})
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), result, format)
		},
	}

	flags.register(cmd, "value")
	cmd.Flags().StringVarP(&file, "file", "f", "", `read the snippet from a file ("-" for stdin)`)
	cmd.Flags().StringVar(&format, "format", formatText, "output format: text or json")
	return cmd
}

func readSnippet(stdin io.Reader, file string, args []string) (string, error) {
	if len(args) > 0 && file != "" {
		return "", errors.New("pass the snippet as an argument or with --file, not both")
	}
	if len(args) > 0 {
		return args[0], nil
	}
	if file == "" || file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read snippet from stdin: %w", err)
		}
		return string(data), nil
	}
	// #nosec G304 -- path is supplied by the user on the command line.
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read snippet: %w", err)
	}
	return string(data), nil
}

func writeResult(out io.Writer, result engine.Result, format string) error {
	if format == formatJSON {
		payload := evalResult{Kind: result.Kind.String()}
		if result.Kind == engine.ResultValue {
			payload.Value = &result.Value
		} else {
			payload.Output = &result.Output
		}
		encoder := json.NewEncoder(out)
		if err := encoder.Encode(payload); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		return nil
	}

	text := result.String()
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(out, text); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
