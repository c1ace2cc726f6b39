package doctor

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/session"
)

func TestNewManagerValidatesInputs(t *testing.T) {
	if _, err := NewManager(nil, &fakeEventBus{}, Config{}); err == nil {
		t.Fatal("expected error for nil session manager")
	}
	if _, err := NewManager(&fakeSessions{}, nil, Config{}); err == nil {
		t.Fatal("expected error for nil event bus")
	}
}

func TestRunOnceReportsToolsRuntimeAndDeadSessions(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{infos: []session.Info{
		{ID: "main", State: session.StateLive},
		{ID: "stale", State: session.StateDead},
	}}
	bus := &fakeEventBus{}

	manager, err := NewManager(sessions, bus, Config{Runtime: config.Runtime{
		BootstrapArchivePath: "/opt/clojure.jar",
		JavaPath:             "java",
		EntryPoint:           "clojure.main",
	}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }
	manager.lookPath = fakeLookPath(map[string]string{"tmux": "/usr/bin/tmux", "java": "/usr/bin/java"})
	manager.stat = func(string) (os.FileInfo, error) { return nil, nil }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	want := []Check{
		{Name: "tmux", OK: true, Detail: "/usr/bin/tmux"},
		{Name: "runtime config", OK: true, Detail: "java -cp /opt/clojure.jar clojure.main"},
		{Name: "runtime executable", OK: true, Detail: "/usr/bin/java"},
		{Name: "bootstrap archive", OK: true, Detail: "/opt/clojure.jar"},
		{Name: "java", OK: true, Detail: "/usr/bin/java", Optional: true},
		{Name: "clojure", Detail: "not found on PATH", Optional: true},
	}
	if !reflect.DeepEqual(report.Checks, want) {
		t.Fatalf("checks = %#v\nwant %#v", report.Checks, want)
	}
	if report.LiveSessions != 1 {
		t.Fatalf("LiveSessions = %d, want 1", report.LiveSessions)
	}
	if !reflect.DeepEqual(report.DeadSessions, []string{"stale"}) {
		t.Fatalf("DeadSessions = %v, want [stale]", report.DeadSessions)
	}
	if sessions.pruned {
		t.Fatal("prune must not run without repair")
	}
	if report.Healthy() {
		t.Fatal("report with an unpruned dead session must be unhealthy")
	}
	if !report.CheckedAt.Equal(now) {
		t.Fatalf("CheckedAt = %s, want %s", report.CheckedAt, now)
	}

	if count := bus.countByType(events.EventTypeHealthCheck); count != 1 {
		t.Fatalf("health check events = %d, want 1", count)
	}
	if bus.events[0].Severity != events.SeverityWarn {
		t.Fatalf("severity = %s, want %s", bus.events[0].Severity, events.SeverityWarn)
	}
}

func TestRunOnceRepairPrunesDeadSessions(t *testing.T) {
	sessions := &fakeSessions{
		infos:     []session.Info{{ID: "stale", State: session.StateDead}},
		pruneKeys: []string{"stale"},
	}
	bus := &fakeEventBus{}

	manager, err := NewManager(sessions, bus, Config{
		Runtime: config.Runtime{BinaryPath: "/usr/local/bin/clojure"},
		Repair:  true,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.lookPath = fakeLookPath(map[string]string{
		"tmux":                   "/usr/bin/tmux",
		"/usr/local/bin/clojure": "/usr/local/bin/clojure",
	})

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !sessions.pruned {
		t.Fatal("expected prune with repair enabled")
	}
	if !reflect.DeepEqual(report.Pruned, []string{"stale"}) {
		t.Fatalf("Pruned = %v, want [stale]", report.Pruned)
	}
	if !report.Healthy() {
		t.Fatalf("expected healthy report, got %#v", report)
	}
	if bus.events[0].Severity != events.SeverityInfo {
		t.Fatalf("severity = %s, want %s", bus.events[0].Severity, events.SeverityInfo)
	}
}

func TestRunOnceFlagsMissingRuntimeConfig(t *testing.T) {
	manager, err := NewManager(&fakeSessions{}, &fakeEventBus{}, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.lookPath = fakeLookPath(map[string]string{"tmux": "/usr/bin/tmux"})

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Healthy() {
		t.Fatal("expected unhealthy report without runtime configuration")
	}
	runtime := report.Checks[1]
	if runtime.Name != "runtime config" || runtime.OK {
		t.Fatalf("runtime check = %#v", runtime)
	}
}

func TestRunOncePropagatesSessionErrors(t *testing.T) {
	manager, err := NewManager(&fakeSessions{listErr: errors.New("tmux exploded")}, &fakeEventBus{}, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.lookPath = fakeLookPath(nil)

	if _, err := manager.RunOnce(context.Background()); err == nil {
		t.Fatal("expected run once error when listing sessions fails")
	}
}

func fakeLookPath(found map[string]string) func(string) (string, error) {
	return func(file string) (string, error) {
		if path, ok := found[file]; ok {
			return path, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
}

type fakeSessions struct {
	infos     []session.Info
	listErr   error
	pruneKeys []string
	pruned    bool
}

func (f *fakeSessions) List(context.Context) ([]session.Info, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.infos, nil
}

func (f *fakeSessions) Prune(context.Context) ([]string, error) {
	f.pruned = true
	return f.pruneKeys, nil
}

type fakeEventBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEventBus) Publish(event events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventBus) countByType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}
