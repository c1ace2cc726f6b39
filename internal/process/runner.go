package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Command is one process invocation described as an argument vector. It is
// never passed through a shell.
type Command struct {
	Args  []string
	Stdin io.Reader
	Dir   string
}

// Completion is what a finished process left behind.
type Completion struct {
	// Output holds stdout and stderr interleaved in write order.
	Output   []byte
	ExitCode int
}

// Runner starts a process and waits for it. A non-zero exit is reported in
// Completion.ExitCode, not as an error; errors mean the process could not be
// run or waited on.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Completion, error)
}

type defaultRunner struct{}

func (defaultRunner) Run(ctx context.Context, command Command) (Completion, error) {
	if len(command.Args) == 0 || strings.TrimSpace(command.Args[0]) == "" {
		return Completion{}, errors.New("command executable is required")
	}

	cmd := exec.CommandContext(ctx, command.Args[0], command.Args[1:]...)
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	exitCode, err := resolveExitCode(ctx, cmd, err)
	if err != nil {
		return Completion{Output: output.Bytes(), ExitCode: exitCode}, fmt.Errorf("run %s: %w", formatCommand(command.Args), err)
	}
	return Completion{Output: output.Bytes(), ExitCode: exitCode}, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) (int, error) {
	if runErr == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	return -1, runErr
}

func formatCommand(args []string) string {
	out := make([]string, 0, len(args))
	for _, part := range args {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

var _ Runner = defaultRunner{}
