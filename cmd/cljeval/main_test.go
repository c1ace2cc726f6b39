package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/doctor"
	"github.com/cljeval/cljeval/internal/document"
	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/session"
	"github.com/cljeval/cljeval/internal/value"
)

type fakeEngine struct {
	requests []engine.Request
	result   engine.Result
	err      error
}

func (f *fakeEngine) Evaluate(_ context.Context, req engine.Request) (engine.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return engine.Result{}, f.err
	}
	result := f.result
	result.Kind = req.Kind
	return result, nil
}

type fakeSessions struct {
	infos   []session.Info
	killed  []string
	pruned  []string
	killErr error
}

func (f *fakeSessions) List(context.Context) ([]session.Info, error) {
	return f.infos, nil
}

func (f *fakeSessions) Teardown(_ context.Context, id string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeSessions) Prune(context.Context) ([]string, error) {
	return f.pruned, nil
}

func testApp(eng *fakeEngine, sessions *fakeSessions) *app {
	return &app{
		cfg:      &config.Config{Document: config.Document{Languages: []string{"clojure"}}},
		logger:   log.New(io.Discard),
		bus:      events.Nop{},
		sessions: sessions,
		engine:   eng,
	}
}

func execute(t *testing.T, a *app, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	stdout, _, err := execute(t, testApp(&fakeEngine{}, &fakeSessions{}), "", "--version")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if output := strings.TrimSpace(stdout); output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	stdout, _, err := execute(t, testApp(&fakeEngine{}, &fakeSessions{}), "", "--help")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, name := range []string{"eval", "doc", "sessions", "doctor", "bugreport"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("help output missing %q: %s", name, stdout)
		}
	}
}

func TestEvalCommandBuildsRequest(t *testing.T) {
	eng := &fakeEngine{result: engine.Result{Value: value.Scalar("42")}}
	varsFile := filepath.Join(t.TempDir(), "vars.yaml")
	if err := os.WriteFile(varsFile, []byte("a: 1\nb: [1, 2]\n"), 0o600); err != nil {
		t.Fatalf("write vars file: %v", err)
	}

	stdout, _, err := execute(t, testApp(eng, &fakeSessions{}), "",
		"eval", "--session", "main", "--vars-file", varsFile, "--var", "c=3", "(+ a c)")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stdout != "42\n" {
		t.Fatalf("stdout = %q, want 42", stdout)
	}
	if len(eng.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(eng.requests))
	}
	req := eng.requests[0]
	if req.Body != "(+ a c)" || req.SessionRef != "main" || req.Kind != engine.ResultValue {
		t.Fatalf("request = %#v", req)
	}
	if got := strings.Join(req.Bindings.Names(), ","); got != "a,b,c" {
		t.Fatalf("binding order = %s, want a,b,c", got)
	}
}

func TestEvalCommandReadsStdinAndPrintsJSON(t *testing.T) {
	eng := &fakeEngine{result: engine.Result{Output: "hello\n"}}

	stdout, _, err := execute(t, testApp(eng, &fakeSessions{}), "(println \"hello\")",
		"eval", "--results", "output", "--format", "json")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if eng.requests[0].Body != "(println \"hello\")" {
		t.Fatalf("body = %q", eng.requests[0].Body)
	}
	if eng.requests[0].SessionRef != "none" {
		t.Fatalf("session = %q, want none", eng.requests[0].SessionRef)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if decoded["kind"] != "output" || decoded["output"] != "hello\n" {
		t.Fatalf("json = %v", decoded)
	}
	if _, ok := decoded["value"]; ok {
		t.Fatalf("output result must not carry a value: %v", decoded)
	}
}

func TestEvalCommandValueListJSON(t *testing.T) {
	eng := &fakeEngine{result: engine.Result{Value: value.List(value.Scalar("1"), value.Scalar("2"))}}

	stdout, _, err := execute(t, testApp(eng, &fakeSessions{}), "", "eval", "--format", "json", "[1 2]")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(stdout) != `{"kind":"value","value":["1","2"]}` {
		t.Fatalf("json = %s", stdout)
	}
}

func TestEvalCommandRejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "results", args: []string{"eval", "--results", "table", "1"}, want: "unknown result kind"},
		{name: "format", args: []string{"eval", "--format", "xml", "1"}, want: "unknown format"},
		{name: "var", args: []string{"eval", "--var", "novalue", "1"}, want: "name=value"},
		{name: "file and arg", args: []string{"eval", "--file", "x.clj", "1"}, want: "not both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			_, _, err := execute(t, testApp(eng, &fakeSessions{}), "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
			if len(eng.requests) != 0 {
				t.Fatal("engine must not be called on invalid input")
			}
		})
	}
}

func TestEvalCommandPropagatesEngineErrors(t *testing.T) {
	startErr := &session.StartError{ID: "main", Err: errors.New("no port file")}
	eng := &fakeEngine{err: startErr}

	_, _, err := execute(t, testApp(eng, &fakeSessions{}), "", "eval", "-s", "main", "1")
	var target *session.StartError
	if !errors.As(err, &target) {
		t.Fatalf("err = %v, want *session.StartError", err)
	}
}

func TestDocCommandWritesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	src := "# Notes\n\n```clojure\n(+ 1 2)\n```\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	eng := &fakeEngine{result: engine.Result{Value: value.Scalar("3")}}

	stdout, stderr, err := execute(t, testApp(eng, &fakeSessions{}), "", "doc", "--write", path)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stdout != "" {
		t.Fatalf("in-place run should not print the document, got %q", stdout)
	}
	if !strings.Contains(stderr, "1 evaluated, 0 skipped, 0 failed") {
		t.Fatalf("stderr = %q", stderr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	want := src + "\n" + document.ResultsMarker + "\n`3`\n" + document.EndMarker + "\n"
	if string(data) != want {
		t.Fatalf("document = %q, want %q", string(data), want)
	}
}

func TestDocCommandKeepGoingReportsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	src := "```clojure\n(boom)\n```\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}
	eng := &fakeEngine{err: errors.New("kaboom")}

	stdout, _, err := execute(t, testApp(eng, &fakeSessions{}), "", "doc", "--keep-going", path)
	if err == nil || !strings.Contains(err.Error(), "1 block(s) failed") {
		t.Fatalf("err = %v, want failure count", err)
	}
	if !strings.Contains(stdout, "error: kaboom") {
		t.Fatalf("stdout = %q, want rendered error", stdout)
	}
}

func TestSessionsCommands(t *testing.T) {
	sessions := &fakeSessions{
		infos: []session.Info{
			{ID: "main", TmuxSession: "cljeval-main", Addr: "127.0.0.1:7001", PID: 42, State: session.StateLive, Registered: true},
			{ID: "old", TmuxSession: "cljeval-old", State: session.StateDead},
		},
		pruned: []string{"old"},
	}
	a := testApp(&fakeEngine{}, sessions)

	stdout, _, err := execute(t, a, "", "sessions", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"SESSION", "main", "127.0.0.1:7001", "old", "cljeval-old"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("list output missing %q: %s", want, stdout)
		}
	}

	stdout, _, err = execute(t, a, "", "sessions", "list", "--format", "json")
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	var rows []sessionRow
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 2 || rows[0].State != session.StateLive.String() || rows[0].PID != 42 {
		t.Fatalf("rows = %#v", rows)
	}

	if _, _, err := execute(t, a, "", "sessions", "kill", "main", "old"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if strings.Join(sessions.killed, ",") != "main,old" {
		t.Fatalf("killed = %v", sessions.killed)
	}

	stdout, _, err = execute(t, a, "", "sessions", "prune")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(stdout, "pruned old") {
		t.Fatalf("prune output = %q", stdout)
	}
}

func TestSessionsKillRequiresID(t *testing.T) {
	if _, _, err := execute(t, testApp(&fakeEngine{}, &fakeSessions{}), "", "sessions", "kill"); err == nil {
		t.Fatal("expected error without a session id")
	}
}

func TestWriteDoctorReport(t *testing.T) {
	report := doctor.Report{
		Checks: []doctor.Check{
			{Name: "tmux", OK: true, Detail: "/usr/bin/tmux"},
			{Name: "runtime config", Detail: "runtime configuration: neither binary_path nor bootstrap_archive_path is configured"},
			{Name: "clojure", Detail: "not found on PATH", Optional: true},
		},
		LiveSessions: 2,
		DeadSessions: []string{"old", "stale"},
		Pruned:       []string{"old"},
	}

	var out bytes.Buffer
	if err := writeDoctorReport(&out, report); err != nil {
		t.Fatalf("write report: %v", err)
	}
	text := out.String()
	for _, want := range []string{"tmux", "/usr/bin/tmux", "runtime config", "2 live", "old pruned", "stale not answering"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q: %s", want, text)
		}
	}
}
