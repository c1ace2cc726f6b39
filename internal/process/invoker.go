// Package process runs one-shot runtime processes: one fresh process per
// evaluation, never reused.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "cljeval/process"
	maxOutputEventBytes = 1024
	sinkFileName        = "result.edn"
	sourcePattern       = "cljeval-*.clj"
	sinkDirPattern      = "cljeval-sink-*"
)

// Options configures an Invoker.
type Options struct {
	Runner Runner
	// TempDir holds source files and result sinks. Empty means os.TempDir().
	TempDir string
	// Timeout bounds each run. Zero waits until the process exits.
	Timeout time.Duration
	Logger  *log.Logger
}

// Invoker spawns one process per call.
type Invoker struct {
	runner  Runner
	tempDir string
	timeout time.Duration
	logger  *log.Logger
}

// Sink is a side-channel file a one-shot process writes its value to.
type Sink struct {
	Path string
	dir  string
}

// Cleanup removes the sink and its directory. Failures are ignored.
func (s Sink) Cleanup() {
	if s.dir == "" {
		return
	}
	_ = os.RemoveAll(s.dir)
}

// New creates an Invoker with default dependencies where omitted.
func New(opts Options) *Invoker {
	runner := opts.Runner
	if runner == nil {
		runner = defaultRunner{}
	}
	tempDir := strings.TrimSpace(opts.TempDir)
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Invoker{
		runner:  runner,
		tempDir: tempDir,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// RunOutput pipes body into a fresh process started from argv and returns
// everything it wrote to stdout and stderr, unmodified. The exit status does
// not affect the result.
func (i *Invoker) RunOutput(ctx context.Context, argv []string, body string) (string, error) {
	if i == nil {
		return "", errors.New("process invoker is nil")
	}
	if len(argv) == 0 {
		return "", errors.New("argv is required")
	}

	completion, err := i.run(ctx, "output", Command{
		Args:  append([]string(nil), argv...),
		Stdin: strings.NewReader(body),
	})
	if err != nil {
		return "", err
	}
	return string(completion.Output), nil
}

// NewSink allocates a fresh result sink inside its own private directory.
// The sink file itself does not exist until the process writes it.
func (i *Invoker) NewSink() (Sink, error) {
	if i == nil {
		return Sink{}, errors.New("process invoker is nil")
	}
	dir, err := os.MkdirTemp(i.tempDir, sinkDirPattern)
	if err != nil {
		return Sink{}, fmt.Errorf("create result sink directory: %w", err)
	}
	return Sink{Path: filepath.Join(dir, sinkFileName), dir: dir}, nil
}

// RunValue writes wrapper to a fresh source file, runs argv with that file
// as its only positional argument, then returns the contents of sinkPath.
func (i *Invoker) RunValue(ctx context.Context, argv []string, wrapper string, sinkPath string) (string, error) {
	if i == nil {
		return "", errors.New("process invoker is nil")
	}
	if len(argv) == 0 {
		return "", errors.New("argv is required")
	}
	if strings.TrimSpace(sinkPath) == "" {
		return "", errors.New("result sink path is required")
	}

	sourcePath, err := i.writeSource(wrapper)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = os.Remove(sourcePath)
	}()

	args := make([]string, 0, len(argv)+1)
	args = append(args, argv...)
	args = append(args, sourcePath)

	completion, err := i.run(ctx, "value", Command{Args: args})
	if err != nil {
		return "", err
	}

	// #nosec G304 -- sinkPath is allocated by NewSink under the invoker temp dir.
	content, err := os.ReadFile(sinkPath)
	if err != nil {
		return "", fmt.Errorf(
			"read result sink %s (exit code %d, output %q): %w",
			sinkPath,
			completion.ExitCode,
			truncateOutput(strings.TrimSpace(string(completion.Output)), maxOutputEventBytes),
			err,
		)
	}
	return string(content), nil
}

func (i *Invoker) writeSource(program string) (string, error) {
	file, err := os.CreateTemp(i.tempDir, sourcePattern)
	if err != nil {
		return "", fmt.Errorf("create source file: %w", err)
	}
	path := file.Name()
	if _, err := file.WriteString(program); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write source file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close source file %s: %w", path, err)
	}
	return path, nil
}

func (i *Invoker) run(ctx context.Context, mode string, command Command) (Completion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	redacted := redactArgs(command.Args)
	ctx, span := otel.Tracer(tracerName).Start(
		ctx,
		"process.run",
		trace.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("executable", command.Args[0]),
			attribute.String("args_redacted", strings.Join(redacted, " ")),
		),
	)
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	completion, err := i.runner.Run(ctx, command)
	span.SetAttributes(attribute.Int("exit_code", completion.ExitCode))
	if output := strings.TrimSpace(string(completion.Output)); output != "" {
		span.AddEvent(
			"process.output",
			trace.WithAttributes(attribute.String("output", truncateOutput(output, maxOutputEventBytes))),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.With("mode", mode, "args", redacted).Error("process run failed", "err", err)
		return Completion{}, err
	}

	if completion.ExitCode != 0 {
		i.logger.With("mode", mode, "exit_code", completion.ExitCode).
			Warn("process exited non-zero; keeping captured result")
	}
	span.SetStatus(codes.Ok, "process completed")
	return completion, nil
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && isSensitiveToken(strings.ToLower(key)) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "apikey", "api-key", "api.key", "auth"} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
