// Package session keeps persistent REPL servers alive across evaluations.
// Each server runs inside a detached tmux session and is driven over nREPL.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/launch"
	"github.com/cljeval/cljeval/internal/nrepl"
	"github.com/cljeval/cljeval/internal/tmux"
)

const (
	// NoneID selects one-shot process evaluation instead of a session.
	NoneID = "none"

	tracerName          = "cljeval/session"
	portFileName        = ".nrepl-port"
	sessionsDirName     = "sessions"
	defaultSettle       = 30 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	defaultBindHost     = "127.0.0.1"
	maxStartOutputBytes = 2048
)

var (
	errNotRunning   = errors.New("no REPL server running")
	errDisconnected = errors.New("nrepl connection lost")
)

// State is the lifecycle position of a session id.
type State int

const (
	StateNone State = iota
	StateAbsent
	StateLive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAbsent:
		return "absent"
	case StateLive:
		return "live"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// StartError reports a REPL server that did not accept connections within
// the settle window. It is fatal and never retried.
type StartError struct {
	ID     string
	Settle time.Duration
	// Output is the last screen of server output, when it could be captured.
	Output string
	Err    error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("session %s did not connect within %s", e.ID, e.Settle)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += fmt.Sprintf(" (server output: %q)", e.Output)
	}
	return msg
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Session is a handle to one persistent REPL server.
type Session struct {
	ID          string
	TmuxSession string
	Workdir     string
	Addr        string
	PID         int
	StartedAt   time.Time
	Adopted     bool

	conn        Conn
	replSession string
}

// None reports whether s is the none handle that forces process evaluation.
func (s *Session) None() bool {
	return s == nil || s.ID == NoneID
}

// Info is a listing row for one session.
type Info struct {
	ID          string
	TmuxSession string
	Addr        string
	PID         int
	State       State
	Registered  bool
}

// Host runs REPL server processes. *tmux.Manager satisfies it.
type Host interface {
	CreateSession(ctx context.Context, name string, argv []string, workdir string) error
	HasSession(ctx context.Context, name string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	PanePID(ctx context.Context, name string) (int, error)
	CapturePanes(ctx context.Context, name string) (string, error)
	KillSession(ctx context.Context, name string) error
	Terminate(ctx context.Context, name string, pid int, gracePeriod time.Duration) error
}

// Conn is an nREPL connection. *nrepl.Client satisfies it.
type Conn interface {
	Connected() bool
	Close() error
	Clone(ctx context.Context) (string, error)
	Describe(ctx context.Context) error
	Eval(ctx context.Context, session string, code string) (nrepl.Response, error)
	CloseSession(ctx context.Context, session string) error
}

// Dialer opens an nREPL connection to addr.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// Options configures a Manager.
type Options struct {
	Host     Host
	Dial     Dialer
	Runtime  config.Runtime
	Session  config.Session
	Registry *Registry
	Logger   *log.Logger
	Bus      events.Bus
}

// Manager finds, starts, probes and tears down sessions.
type Manager struct {
	host     Host
	dial     Dialer
	runtime  config.Runtime
	args     []string
	settle   time.Duration
	poll     time.Duration
	bindHost string
	stateDir string
	registry *Registry
	logger   *log.Logger
	bus      events.Bus
	now      func() time.Time
	sleep    func(time.Duration)
}

// New creates a Manager with default dependencies where omitted.
func New(opts Options) *Manager {
	host := opts.Host
	if host == nil {
		host = tmux.New(tmux.Options{})
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialNREPL
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.Nop{}
	}

	settle := opts.Session.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	poll := opts.Session.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	bindHost := strings.TrimSpace(opts.Session.Host)
	if bindHost == "" {
		bindHost = defaultBindHost
	}
	stateDir := strings.TrimSpace(opts.Session.StateDir)
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "cljeval")
	}

	return &Manager{
		host:     host,
		dial:     dial,
		runtime:  opts.Runtime,
		args:     append([]string(nil), opts.Session.Args...),
		settle:   settle,
		poll:     poll,
		bindHost: bindHost,
		stateDir: stateDir,
		registry: registry,
		logger:   logger,
		bus:      bus,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

func dialNREPL(ctx context.Context, addr string) (Conn, error) {
	client, err := nrepl.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Initiate returns a live session for id. "none" (or an empty id) returns
// the none handle. A registered session that fails its liveness probe is
// torn down and replaced. An unregistered id first tries to reattach to a
// REPL server left running by an earlier process, then starts a new one.
func (m *Manager) Initiate(ctx context.Context, id string) (*Session, error) {
	if m == nil {
		return nil, errors.New("session manager is nil")
	}
	key, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	if key == NoneID {
		return &Session{ID: NoneID}, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.initiate", trace.WithAttributes(attribute.String("session", key)))
	defer span.End()

	logger := m.logger.With("session", key)

	if existing, ok := m.registry.Get(key); ok {
		probeErr := m.probe(ctx, existing)
		if probeErr == nil {
			span.SetAttributes(attribute.String("state", StateLive.String()))
			span.SetStatus(codes.Ok, "session reused")
			return existing, nil
		}
		logger.Warn("session failed liveness probe; restarting", "err", probeErr)
		m.registry.Remove(key)
		m.publish(events.EventTypeSessionDied, existing, events.SeverityWarn)
		if err := m.discard(ctx, existing); err != nil {
			logger.Warn("tear down dead session", "err", err)
		}
	}

	s, err := m.adopt(ctx, key)
	switch {
	case err == nil:
		m.registry.Put(s)
		span.SetAttributes(attribute.String("state", "adopted"))
		span.SetStatus(codes.Ok, "session adopted")
		logger.Info("reattached to running REPL server", "addr", s.Addr, "pid", s.PID)
		m.publish(events.EventTypeSessionAdopted, s, events.SeverityInfo)
		return s, nil
	case !errors.Is(err, errNotRunning):
		logger.Warn("could not reattach to REPL server; starting a new one", "err", err)
	}

	s, err = m.start(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("session start failed", "err", err)
		return nil, err
	}
	m.registry.Put(s)
	span.SetAttributes(attribute.String("state", "started"), attribute.String("addr", s.Addr))
	span.SetStatus(codes.Ok, "session started")
	logger.Info("session started", "addr", s.Addr, "pid", s.PID)
	m.publish(events.EventTypeSessionStarted, s, events.SeverityInfo)
	return s, nil
}

// EvalSync evaluates source in s and blocks until the server is done. The
// result holds output fragments in arrival order, then the printed value of
// the last form as the final element ("" when evaluation raised).
func (m *Manager) EvalSync(ctx context.Context, s *Session, source string) ([]string, error) {
	if m == nil {
		return nil, errors.New("session manager is nil")
	}
	if s.None() {
		return nil, errors.New("cannot evaluate in the none session")
	}
	if s.conn == nil {
		return nil, fmt.Errorf("session %s is not connected", s.ID)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "session.eval", trace.WithAttributes(attribute.String("session", s.ID)))
	defer span.End()

	resp, err := s.conn.Eval(ctx, s.replSession, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("eval in session %s: %w", s.ID, err)
	}

	span.SetAttributes(attribute.Int("fragments", len(resp.Fragments)))
	if resp.Failed() {
		span.AddEvent("eval-error", trace.WithAttributes(attribute.String("exception", resp.Exception)))
		m.logger.With("session", s.ID).Warn("evaluation raised", "exception", resp.Exception)
	}
	span.SetStatus(codes.Ok, "evaluated")
	return resp.Lines(), nil
}

// EvalAsync runs EvalSync on its own goroutine and hands the result to
// onComplete. Callers must still not overlap requests on one session.
func (m *Manager) EvalAsync(ctx context.Context, s *Session, source string, onComplete func([]string, error)) {
	go func() {
		lines, err := m.EvalSync(ctx, s, source)
		if onComplete != nil {
			onComplete(lines, err)
		}
	}()
}

// Teardown stops the REPL server for id, registered or not.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	if m == nil {
		return errors.New("session manager is nil")
	}
	key, err := normalizeID(id)
	if err != nil {
		return err
	}
	if key == NoneID {
		return nil
	}

	name := tmux.SessionName(key)
	s, registered := m.registry.Remove(key)
	if !registered {
		s = m.newSession(key)
	}
	if err := m.discard(ctx, s); err != nil {
		return fmt.Errorf("tear down session %s: %w", key, err)
	}

	m.logger.With("session", key).Info("session torn down", "tmux_session", name)
	m.publish(events.EventTypeSessionTornDown, s, events.SeverityInfo)
	return nil
}

// List reports registered sessions and every cljeval tmux session, probing
// each for liveness.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	if m == nil {
		return nil, errors.New("session manager is nil")
	}

	names, err := m.host.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	seen := make(map[string]struct{}, len(names))
	infos := make([]Info, 0, len(names))
	for _, s := range m.registry.Sessions() {
		state := StateLive
		if m.probe(ctx, s) != nil {
			state = StateDead
		}
		seen[s.TmuxSession] = struct{}{}
		infos = append(infos, Info{
			ID:          s.ID,
			TmuxSession: s.TmuxSession,
			Addr:        s.Addr,
			PID:         s.PID,
			State:       state,
			Registered:  true,
		})
	}

	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		key := strings.TrimPrefix(name, tmux.SessionPrefix)
		s := m.newSession(key)
		state := StateDead
		if err := m.connect(ctx, s, m.settle); err == nil {
			state = StateLive
			m.release(ctx, s)
		}
		if pid, err := m.host.PanePID(ctx, name); err == nil {
			s.PID = pid
		}
		infos = append(infos, Info{
			ID:          key,
			TmuxSession: name,
			Addr:        s.Addr,
			PID:         s.PID,
			State:       state,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Status reports the lifecycle state of id without starting anything.
func (m *Manager) Status(ctx context.Context, id string) (State, error) {
	if m == nil {
		return StateAbsent, errors.New("session manager is nil")
	}
	key, err := normalizeID(id)
	if err != nil {
		return StateAbsent, err
	}
	if key == NoneID {
		return StateNone, nil
	}

	if s, ok := m.registry.Get(key); ok {
		if m.probe(ctx, s) != nil {
			return StateDead, nil
		}
		return StateLive, nil
	}

	s := m.newSession(key)
	exists, err := m.host.HasSession(ctx, s.TmuxSession)
	if err != nil {
		return StateAbsent, fmt.Errorf("check session %s: %w", key, err)
	}
	if !exists {
		return StateAbsent, nil
	}
	if err := m.connect(ctx, s, m.settle); err != nil {
		return StateDead, nil
	}
	m.release(ctx, s)
	return StateLive, nil
}

// Prune tears down every session that does not answer and returns their ids.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	pruned := make([]string, 0)
	for _, info := range infos {
		if info.State != StateDead {
			continue
		}
		if err := m.Teardown(ctx, info.ID); err != nil {
			return pruned, err
		}
		pruned = append(pruned, info.ID)
	}
	return pruned, nil
}

// Close drops every nREPL connection. REPL servers keep running so a later
// process can reattach to them.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	for _, s := range m.registry.Sessions() {
		m.registry.Remove(s.ID)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
}

func (m *Manager) adopt(ctx context.Context, key string) (*Session, error) {
	s := m.newSession(key)
	exists, err := m.host.HasSession(ctx, s.TmuxSession)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errNotRunning
	}

	if err := m.connect(ctx, s, m.settle); err != nil {
		if killErr := m.host.KillSession(ctx, s.TmuxSession); killErr != nil {
			m.logger.With("session", key).Warn("remove unresponsive tmux session", "err", killErr)
		}
		return nil, fmt.Errorf("reattach to %s: %w", s.TmuxSession, err)
	}

	s.Adopted = true
	s.StartedAt = m.now()
	if pid, err := m.host.PanePID(ctx, s.TmuxSession); err == nil {
		s.PID = pid
	}
	return s, nil
}

func (m *Manager) start(ctx context.Context, key string) (*Session, error) {
	spec, err := launch.Build(m.runtime)
	if err != nil {
		return nil, err
	}
	argv := spec.WithArgs(m.args...)

	s := m.newSession(key)
	if err := os.MkdirAll(s.Workdir, 0o750); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", s.Workdir, err)
	}
	if err := os.Remove(filepath.Join(s.Workdir, portFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale port file: %w", err)
	}

	m.logger.With("session", key).Debug("starting REPL server", "argv", strings.Join(argv, " "), "workdir", s.Workdir)
	if err := m.host.CreateSession(ctx, s.TmuxSession, argv, s.Workdir); err != nil {
		return nil, &StartError{ID: key, Settle: m.settle, Err: err}
	}

	deadline := m.now().Add(m.settle)
	connectErr := context.DeadlineExceeded
	for {
		if err := ctx.Err(); err != nil {
			m.killQuietly(ctx, s)
			return nil, fmt.Errorf("start session %s: %w", key, err)
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			output, _ := m.host.CapturePanes(ctx, s.TmuxSession)
			m.killQuietly(ctx, s)
			return nil, &StartError{
				ID:     key,
				Settle: m.settle,
				Output: truncate(output, maxStartOutputBytes),
				Err:    connectErr,
			}
		}

		connectErr = m.connect(ctx, s, remaining)
		if connectErr == nil {
			break
		}

		exists, hasErr := m.host.HasSession(ctx, s.TmuxSession)
		if hasErr == nil && !exists {
			return nil, &StartError{
				ID:     key,
				Settle: m.settle,
				Err:    fmt.Errorf("REPL server exited during startup: %w", connectErr),
			}
		}
		m.sleep(m.poll)
	}

	s.StartedAt = m.now()
	if pid, err := m.host.PanePID(ctx, s.TmuxSession); err == nil {
		s.PID = pid
	} else {
		m.logger.With("session", key).Warn("could not read REPL server pid", "err", err)
	}
	return s, nil
}

// connect dials the port the server advertised and clones an nREPL session
// within budget. A successful clone is the readiness signal.
func (m *Manager) connect(ctx context.Context, s *Session, budget time.Duration) error {
	port, err := readPortFile(filepath.Join(s.Workdir, portFileName))
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(m.bindHost, port)

	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	conn, err := m.dial(attemptCtx, addr)
	if err != nil {
		return err
	}
	replSession, err := conn.Clone(attemptCtx)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.conn = conn
	s.Addr = addr
	s.replSession = replSession
	return nil
}

func (m *Manager) probe(ctx context.Context, s *Session) error {
	if s.conn == nil || !s.conn.Connected() {
		return errDisconnected
	}
	exists, err := m.host.HasSession(ctx, s.TmuxSession)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("tmux session %s is gone", s.TmuxSession)
	}
	return s.conn.Describe(ctx)
}

// release closes the client side of s without touching the server.
func (m *Manager) release(ctx context.Context, s *Session) {
	if s.conn == nil {
		return
	}
	if s.conn.Connected() {
		_ = s.conn.CloseSession(ctx, s.replSession)
	}
	_ = s.conn.Close()
	s.conn = nil
}

func (m *Manager) discard(ctx context.Context, s *Session) error {
	m.release(ctx, s)

	pid := s.PID
	if pid <= 0 {
		if found, err := m.host.PanePID(ctx, s.TmuxSession); err == nil {
			pid = found
		}
	}
	return m.host.Terminate(ctx, s.TmuxSession, pid, 0)
}

func (m *Manager) killQuietly(ctx context.Context, s *Session) {
	m.release(ctx, s)
	if err := m.host.KillSession(ctx, s.TmuxSession); err != nil {
		m.logger.With("session", s.ID).Warn("kill tmux session", "err", err)
	}
}

func (m *Manager) newSession(key string) *Session {
	return &Session{
		ID:          key,
		TmuxSession: tmux.SessionName(key),
		Workdir:     filepath.Join(m.stateDir, sessionsDirName, key),
	}
}

func (m *Manager) publish(eventType string, s *Session, severity string) {
	m.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: events.EntitySession,
		EntityID:   s.ID,
		Severity:   severity,
		Payload: events.SessionPayload{
			TmuxSession: s.TmuxSession,
			Addr:        s.Addr,
			PID:         s.PID,
		},
	})
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == NoneID {
		return NoneID, nil
	}
	key := strings.TrimPrefix(tmux.SessionName(id), tmux.SessionPrefix)
	if key == "" {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return key, nil
}

func readPortFile(path string) (string, error) {
	// #nosec G304 -- path is the session workdir port file.
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read port file: %w", err)
	}
	port := strings.TrimSpace(string(raw))
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("port file %s holds %q", path, port)
	}
	return port, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[len(value)-limit:]
}

var _ Host = (*tmux.Manager)(nil)
var _ Conn = (*nrepl.Client)(nil)
