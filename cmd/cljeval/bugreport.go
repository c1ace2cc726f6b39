package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/session"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

type sessionLister interface {
	List(ctx context.Context) ([]session.Info, error)
}

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), a.cfg, a.sessions, cmd.OutOrStdout())
		},
	}
}

// runBugReport writes .cljeval-bugreport-<timestamp>.tar.gz into the working
// directory. Missing artifacts become warnings in README.txt.
func runBugReport(ctx context.Context, cfg *config.Config, sessions sessionLister, out io.Writer) error {
	home, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	home = filepath.Clean(home)
	if strings.TrimSpace(home) == "" || home == "." {
		return fmt.Errorf("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	logDir := filepath.Join(home, config.DirName, "logs")
	if cfg != nil && strings.TrimSpace(cfg.Log.Dir) != "" {
		logDir = cfg.Log.Dir
	}

	now := bugreportNowFn()
	b := &bundle{createdAt: now}
	b.addLogs(logDir, bugreportLogLimit)
	b.addConfig("config-home.toml", filepath.Join(home, config.DirName, "config.toml"))
	b.addConfig("config-project.toml", filepath.Join(filepath.Clean(cwd), config.DirName, "config.toml"))
	b.addSessions(ctx, sessions)
	b.addTools(ctx)
	b.addText("version.txt", fmt.Sprintf("cljeval version: %s\n", strings.TrimSpace(Version)))
	b.addText("last-run.txt", fmt.Sprintf("run_id: %s\ntrace_id: %s\n", b.runID, b.traceID))
	b.addText("README.txt", b.readme())

	path := filepath.Join(cwd, fmt.Sprintf(".cljeval-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := b.writeArchive(path); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", path); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bundleEntry struct {
	name string
	data []byte
}

// bundle accumulates archive entries in memory; the report is small.
type bundle struct {
	createdAt time.Time
	entries   []bundleEntry
	logs      []string
	runID     string
	traceID   string
	warnings  []string
}

func (b *bundle) addText(name, text string) {
	b.entries = append(b.entries, bundleEntry{name: name, data: []byte(text)})
}

func (b *bundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// addLogs stages the newest log files and picks up the run and trace ids of
// the most recent correlated record.
func (b *bundle) addLogs(dir string, limit int) {
	files, err := newestFiles(dir, limit)
	if err != nil {
		b.warn("unable to read logs directory: %v", err)
		return
	}
	for _, file := range files {
		// #nosec G304 -- paths come from listing the configured log directory.
		data, err := os.ReadFile(file.path)
		if err != nil {
			b.warn("unable to read log %s: %v", file.path, err)
			continue
		}
		b.entries = append(b.entries, bundleEntry{name: "logs/" + filepath.Base(file.path), data: data})
		b.logs = append(b.logs, file.path)
		if b.runID == "" && b.traceID == "" {
			b.runID, b.traceID = lastCorrelation(data)
		}
	}
	if b.runID == "" && b.traceID == "" {
		b.warn("no run_id/trace_id found in copied logs")
	}
}

func (b *bundle) addConfig(name, path string) {
	// #nosec G304 -- config paths are fixed locations under home and the working directory.
	data, err := os.ReadFile(path)
	if err != nil {
		b.warn("unable to read config %s: %v", path, err)
		data = []byte("# config unavailable\n")
	}
	b.addText(name, redactSensitiveConfig(string(data)))
}

func (b *bundle) addSessions(ctx context.Context, sessions sessionLister) {
	if sessions == nil {
		b.warn("session manager unavailable")
		return
	}
	infos, err := sessions.List(ctx)
	if err != nil {
		b.warn("unable to list sessions: %v", err)
		return
	}
	data, err := json.MarshalIndent(sessionRows(infos), "", "  ")
	if err != nil {
		b.warn("unable to encode sessions: %v", err)
		return
	}
	b.entries = append(b.entries, bundleEntry{name: "sessions.json", data: append(data, '\n')})
}

func (b *bundle) addTools(ctx context.Context) {
	var text strings.Builder
	for _, tool := range []struct {
		title string
		argv  []string
	}{
		{title: "TMUX", argv: []string{"tmux", "-V"}},
		{title: "JAVA", argv: []string{"java", "-version"}},
	} {
		fmt.Fprintf(&text, "[%s]\n%s\n\n", tool.title, toolOutput(ctx, tool.argv[0], tool.argv[1:]...))
	}
	b.addText("tools.txt", text.String())
}

func toolOutput(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	switch {
	case err == nil:
		return text
	case text == "":
		return "error: " + err.Error()
	default:
		return text + "\nerror: " + err.Error()
	}
}

func (b *bundle) readme() string {
	var text strings.Builder
	text.WriteString("cljeval Bug Report\n==================\n\n")
	fmt.Fprintf(&text, "Generated: %s\nVersion: %s\n", b.createdAt.Format(time.RFC3339), Version)
	fmt.Fprintf(&text, "run_id: %s\ntrace_id: %s\n\n", b.runID, b.traceID)
	text.WriteString("Included artifacts:\n")
	fmt.Fprintf(&text, "- logs/ (%d of the newest log files)\n", len(b.logs))
	text.WriteString("- config-home.toml, config-project.toml (credentials redacted)\n")
	text.WriteString("- sessions.json (persistent REPL sessions and whether they answer)\n")
	text.WriteString("- tools.txt (tmux and java versions)\n")
	text.WriteString("- version.txt, last-run.txt\n\n")
	text.WriteString("Use run_id/trace_id to find the matching log lines and traces.\n")
	if len(b.warnings) > 0 {
		text.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			text.WriteString("- " + warning + "\n")
		}
	}
	return text.String()
}

func (b *bundle) writeArchive(path string) (err error) {
	// #nosec G304 -- path is built from the working directory and a fixed name pattern.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, file} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close archive %s: %w", path, closeErr)
			}
		}
	}()

	for _, entry := range b.entries {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: b.createdAt,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("write %s into archive: %w", entry.name, err)
		}
	}
	return nil
}

// lastCorrelation returns the run_id/trace_id of the last JSON log record in
// data that carries either.
func lastCorrelation(data []byte) (runID, traceID string) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record struct {
			RunID   string `json:"run_id"`
			TraceID string `json:"trace_id"`
		}
		if json.Unmarshal(scanner.Bytes(), &record) != nil {
			continue
		}
		if record.RunID != "" || record.TraceID != "" {
			runID, traceID = strings.TrimSpace(record.RunID), strings.TrimSpace(record.TraceID)
		}
	}
	return runID, traceID
}

// redactSensitiveConfig masks the value of every key = value line whose key
// looks like a credential.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if ok && isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			lines[i] = key + `= "***REDACTED***"`
		}
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	return slices.ContainsFunc([]string{"token", "password", "passwd", "secret", "apikey", "api_key", "auth"},
		func(candidate string) bool { return strings.Contains(key, candidate) })
}

type datedFile struct {
	path    string
	modTime time.Time
}

// newestFiles lists regular files in dir, newest first, keeping at most limit.
func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []datedFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	slices.SortFunc(files, func(a, b datedFile) int { return b.modTime.Compare(a.modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
