package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// SessionPrefix marks tmux sessions owned by cljeval.
	SessionPrefix = "cljeval-"

	defaultCaptureStartLine = "-200"

	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 5 * time.Second

	defaultTerminationPollInterval = 100 * time.Millisecond
	defaultForcedExitWait          = 2 * time.Second
)

var sessionNamePattern = regexp.MustCompile(`^cljeval-[a-z0-9][a-z0-9_-]*$`)

// CommandRunner executes tmux commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ProcessSignaler sends unix signals to a process ID.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// ProcessChecker checks whether a process is still alive.
type ProcessChecker interface {
	Alive(pid int) (bool, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", formatCommand(name, args), err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
	}
	return out, nil
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// Options configures a tmux manager.
type Options struct {
	Runner                  CommandRunner
	Signaler                ProcessSignaler
	Checker                 ProcessChecker
	TerminationPollInterval time.Duration
	ForcedExitWait          time.Duration
}

// Manager runs REPL server processes inside detached tmux sessions so they
// outlive the cljeval process that started them.
type Manager struct {
	runner                  CommandRunner
	signaler                ProcessSignaler
	checker                 ProcessChecker
	terminationPollInterval time.Duration
	forcedExitWait          time.Duration
	now                     func() time.Time
	sleep                   func(time.Duration)
}

// New creates a tmux manager with default dependencies where omitted.
func New(opts Options) *Manager {
	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}

	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultProcessSignaler{}
	}

	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}

	pollInterval := opts.TerminationPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultTerminationPollInterval
	}

	forcedExitWait := opts.ForcedExitWait
	if forcedExitWait <= 0 {
		forcedExitWait = defaultForcedExitWait
	}

	return &Manager{
		runner:                  runner,
		signaler:                signaler,
		checker:                 checker,
		terminationPollInterval: pollInterval,
		forcedExitWait:          forcedExitWait,
		now:                     time.Now,
		sleep:                   time.Sleep,
	}
}

// SessionName returns the tmux session name for a cljeval session id.
func SessionName(id string) string {
	slug := strings.ToLower(strings.TrimSpace(id))
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	return SessionPrefix + slug
}

var slugPattern = regexp.MustCompile(`[^a-z0-9_-]+`)

// CreateSession starts argv in a detached tmux session. argv is passed to
// tmux as separate arguments, so tmux execs it without a shell.
func (m *Manager) CreateSession(ctx context.Context, name string, argv []string, workdir string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := validateSessionName(name); err != nil {
		return err
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return errors.New("command is required")
	}

	workdir = strings.TrimSpace(workdir)
	if workdir == "" {
		return errors.New("workdir is required")
	}

	args := []string{"new-session", "-d", "-s", name, "-c", workdir}
	args = append(args, argv...)
	if _, err := m.runner.Run(ctx, "tmux", args...); err != nil {
		return fmt.Errorf("create tmux session %s: %w", name, err)
	}
	return nil
}

// HasSession reports whether the named session exists.
func (m *Manager) HasSession(ctx context.Context, name string) (bool, error) {
	if m == nil {
		return false, errors.New("tmux manager is nil")
	}
	if err := validateSessionName(name); err != nil {
		return false, err
	}

	if _, err := m.runner.Run(ctx, "tmux", "has-session", "-t", "="+name); err != nil {
		if isMissingSessionError(err) || isNoTmuxServerError(err) {
			return false, nil
		}
		return false, fmt.Errorf("check tmux session %s: %w", name, err)
	}
	return true, nil
}

// ListSessions returns active cljeval session names.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	if m == nil {
		return nil, errors.New("tmux manager is nil")
	}

	out, err := m.runner.Run(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoTmuxServerError(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list tmux sessions: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	sessions := make([]string, 0, len(lines))
	for _, line := range lines {
		sessionName := strings.TrimSpace(line)
		if !strings.HasPrefix(sessionName, SessionPrefix) {
			continue
		}
		sessions = append(sessions, sessionName)
	}
	return sessions, nil
}

// PanePID returns the pid of the process running in the session's pane.
func (m *Manager) PanePID(ctx context.Context, name string) (int, error) {
	if m == nil {
		return 0, errors.New("tmux manager is nil")
	}
	if err := validateSessionName(name); err != nil {
		return 0, err
	}

	out, err := m.runner.Run(ctx, "tmux", "list-panes", "-t", name, "-F", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("list tmux panes for %s: %w", name, err)
	}
	pid := parsePanePID(string(out))
	if pid <= 0 {
		return 0, fmt.Errorf("list tmux panes for %s: no pane pid in %q", name, strings.TrimSpace(string(out)))
	}
	return pid, nil
}

// CapturePanes captures the latest pane output for the target tmux session.
func (m *Manager) CapturePanes(ctx context.Context, name string) (string, error) {
	if m == nil {
		return "", errors.New("tmux manager is nil")
	}
	if err := validateSessionName(name); err != nil {
		return "", err
	}

	out, err := m.runner.Run(ctx, "tmux", "capture-pane", "-pt", name, "-S", defaultCaptureStartLine)
	if err != nil {
		return "", fmt.Errorf("capture tmux panes for %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// KillSession kills a tmux session and ignores already-missing session errors.
func (m *Manager) KillSession(ctx context.Context, name string) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := validateSessionName(name); err != nil {
		return err
	}

	if _, err := m.runner.Run(ctx, "tmux", "kill-session", "-t", name); err != nil {
		if isMissingSessionError(err) || isNoTmuxServerError(err) {
			return nil
		}
		return fmt.Errorf("kill tmux session %s: %w", name, err)
	}
	return nil
}

// ProcessAlive reports whether pid is still running.
func (m *Manager) ProcessAlive(pid int) (bool, error) {
	if m == nil {
		return false, errors.New("tmux manager is nil")
	}
	if pid <= 0 {
		return false, nil
	}
	return m.checker.Alive(pid)
}

// Terminate applies SIGTERM -> grace -> SIGKILL to pid, then removes the tmux session.
func (m *Manager) Terminate(ctx context.Context, name string, pid int, gracePeriod time.Duration) error {
	if m == nil {
		return errors.New("tmux manager is nil")
	}
	if err := validateSessionName(name); err != nil {
		return err
	}

	if gracePeriod <= 0 {
		gracePeriod = DefaultTerminationGracePeriod
	}

	if pid <= 0 {
		return m.KillSession(ctx, name)
	}

	if err := m.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}

	exited, err := m.waitForExit(ctx, pid, gracePeriod)
	if err != nil {
		return fmt.Errorf("wait for pid %d after SIGTERM: %w", pid, err)
	}
	if !exited {
		if err := m.signaler.Signal(pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
			return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
		}
		if _, waitErr := m.waitForExit(ctx, pid, m.forcedExitWait); waitErr != nil {
			return fmt.Errorf("wait for pid %d after SIGKILL: %w", pid, waitErr)
		}
	}

	if err := m.KillSession(ctx, name); err != nil {
		return err
	}

	alive, err := m.checker.Alive(pid)
	if err != nil {
		return fmt.Errorf("verify pid %d termination: %w", pid, err)
	}
	if alive {
		return fmt.Errorf("pid %d still alive after termination", pid)
	}

	return nil
}

func (m *Manager) waitForExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = m.terminationPollInterval
	}

	deadline := m.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := m.checker.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !m.now().Before(deadline) {
			return false, nil
		}
		m.sleep(m.terminationPollInterval)
	}
}

func validateSessionName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("session name is required")
	}
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("session name %q must match cljeval-<id>", name)
	}
	return nil
}

func isNoTmuxServerError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "no server running") || strings.Contains(text, "failed to connect to server")
}

func isMissingSessionError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "can't find session") || strings.Contains(text, "no such session")
}

func isProcessGoneError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ESRCH)
}

func parsePanePID(output string) int {
	firstLine := strings.TrimSpace(strings.SplitN(strings.TrimSpace(output), "\n", 2)[0])
	if firstLine == "" {
		return 0
	}
	pid, err := strconv.Atoi(firstLine)
	if err != nil || pid < 0 {
		return 0
	}
	return pid
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

var _ CommandRunner = defaultCommandRunner{}
var _ ProcessSignaler = defaultProcessSignaler{}
var _ ProcessChecker = defaultProcessChecker{}
