// Package doctor checks that the host can run evaluations and reports
// persistent sessions whose REPL server no longer answers.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/cljeval/cljeval/internal/events"
	"github.com/cljeval/cljeval/internal/launch"
	"github.com/cljeval/cljeval/internal/session"
)

// Sessions lists and prunes persistent sessions.
type Sessions interface {
	List(ctx context.Context) ([]session.Info, error)
	Prune(ctx context.Context) ([]string, error)
}

// EventBus publishes health reports.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls a doctor run.
type Config struct {
	Runtime config.Runtime
	// Repair tears down dead sessions instead of only reporting them.
	Repair bool
}

// Check is the outcome of one environment check. Optional checks never make
// a report unhealthy.
type Check struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Detail   string `json:"detail"`
	Optional bool   `json:"optional,omitempty"`
}

// Report is the result of one doctor run.
type Report struct {
	Checks       []Check   `json:"checks"`
	LiveSessions int       `json:"live_sessions"`
	DeadSessions []string  `json:"dead_sessions"`
	Pruned       []string  `json:"pruned"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Healthy reports whether every required check passed and no dead session
// is left behind.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if !check.OK && !check.Optional {
			return false
		}
	}
	return len(r.DeadSessions) == len(r.Pruned)
}

// Manager runs doctor checks.
type Manager struct {
	sessions Sessions
	bus      EventBus
	runtime  config.Runtime
	repair   bool
	lookPath func(file string) (string, error)
	stat     func(name string) (os.FileInfo, error)
	now      func() time.Time
}

// NewManager builds a doctor Manager.
func NewManager(sessions Sessions, bus EventBus, cfg Config) (*Manager, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	return &Manager{
		sessions: sessions,
		bus:      bus,
		runtime:  cfg.Runtime,
		repair:   cfg.Repair,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		now:      time.Now,
	}, nil
}

// RunOnce runs every check once and publishes the report.
func (m *Manager) RunOnce(ctx context.Context) (Report, error) {
	if m == nil {
		return Report{}, errors.New("doctor manager is nil")
	}

	report := Report{CheckedAt: m.now().UTC()}
	report.Checks = append(report.Checks, m.checkTool("tmux", false))
	report.Checks = append(report.Checks, m.checkRuntime()...)
	report.Checks = append(report.Checks, m.checkTool("java", true), m.checkTool("clojure", true))

	infos, err := m.sessions.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sessions: %w", err)
	}
	for _, info := range infos {
		switch info.State {
		case session.StateLive:
			report.LiveSessions++
		case session.StateDead:
			report.DeadSessions = append(report.DeadSessions, info.ID)
		}
	}

	if m.repair && len(report.DeadSessions) > 0 {
		pruned, err := m.sessions.Prune(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("prune dead sessions: %w", err)
		}
		report.Pruned = pruned
	}

	severity := events.SeverityInfo
	if !report.Healthy() {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  report.CheckedAt,
		EntityType: events.EntityHealth,
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severity,
	})
	return report, nil
}

func (m *Manager) checkTool(name string, optional bool) Check {
	check := Check{Name: name, Optional: optional}
	path, err := m.lookPath(name)
	if err != nil {
		check.Detail = "not found on PATH"
		return check
	}
	check.OK = true
	check.Detail = path
	return check
}

// checkRuntime validates the launch configuration, then that its
// executable and bootstrap archive exist.
func (m *Manager) checkRuntime() []Check {
	spec, err := launch.Build(m.runtime)
	if err != nil {
		return []Check{{Name: "runtime config", Detail: err.Error()}}
	}
	checks := []Check{{Name: "runtime config", OK: true, Detail: spec.String()}}

	executable := Check{Name: "runtime executable"}
	if path, err := m.lookPath(spec.Executable()); err != nil {
		executable.Detail = fmt.Sprintf("%s: %v", spec.Executable(), err)
	} else {
		executable.OK = true
		executable.Detail = path
	}
	checks = append(checks, executable)

	if archive := strings.TrimSpace(m.runtime.BootstrapArchivePath); archive != "" && strings.TrimSpace(m.runtime.BinaryPath) == "" {
		bootstrap := Check{Name: "bootstrap archive", Detail: archive}
		if _, err := m.stat(archive); err != nil {
			bootstrap.Detail = err.Error()
		} else {
			bootstrap.OK = true
		}
		checks = append(checks, bootstrap)
	}
	return checks
}
