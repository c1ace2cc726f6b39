package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Runtime.JavaPath != defaultJavaPath {
		t.Fatalf("java_path = %q, want %q", cfg.Runtime.JavaPath, defaultJavaPath)
	}
	if cfg.Runtime.EntryPoint != defaultEntryPoint {
		t.Fatalf("entry_point = %q, want %q", cfg.Runtime.EntryPoint, defaultEntryPoint)
	}
	if cfg.Runtime.BinaryPath != "" || cfg.Runtime.BootstrapArchivePath != "" {
		t.Fatalf("runtime paths = %#v, want unset", cfg.Runtime)
	}
	if strings.Join(cfg.Session.Args, " ") != "-m nrepl.cmdline" {
		t.Fatalf("session.args = %v, want [-m nrepl.cmdline]", cfg.Session.Args)
	}
	if cfg.Session.Settle != defaultSettle {
		t.Fatalf("session.settle = %s, want %s", cfg.Session.Settle, defaultSettle)
	}
	if cfg.Session.PollInterval != defaultPollInterval {
		t.Fatalf("session.poll_interval = %s, want %s", cfg.Session.PollInterval, defaultPollInterval)
	}
	if cfg.Session.StateDir != filepath.Join(home, DirName) {
		t.Fatalf("session.state_dir = %q, want %q", cfg.Session.StateDir, filepath.Join(home, DirName))
	}
	if cfg.Process.EvalTimeout != 0 {
		t.Fatalf("process.eval_timeout = %s, want 0", cfg.Process.EvalTimeout)
	}
	if cfg.Log.Level != defaultLogLevel {
		t.Fatalf("log.level = %q, want %q", cfg.Log.Level, defaultLogLevel)
	}
	if cfg.Log.Dir != filepath.Join(home, DirName, "logs") {
		t.Fatalf("log.dir = %q", cfg.Log.Dir)
	}
	if cfg.OTEL.Enabled {
		t.Fatal("otel.enabled = true, want false")
	}
	if strings.Join(cfg.Document.Languages, ",") != "clojure,clj" {
		t.Fatalf("document.languages = %v", cfg.Document.Languages)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, DirName, "config.toml"), `
[runtime]
bootstrap_archive_path = "~/jars/clojure.jar"
runtime_search_paths = ["~/src", " ", "/opt/lib/extra.jar"]
extra_runtime_flags = ["-Xmx1g"]

[session]
settle = "9s"

[log]
level = "debug"
`)

	writeFile(t, filepath.Join(work, DirName, "config.toml"), `
[runtime]
library_paths = ["/usr/lib/native"]

[session]
poll_interval = "50ms"

[process]
eval_timeout = "2m"

[otel]
enabled = true
endpoint = "http://collector:4318"

[document]
languages = ["Clojure"]
`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Runtime.BootstrapArchivePath != filepath.Join(home, "jars", "clojure.jar") {
		t.Fatalf("bootstrap_archive_path = %q", cfg.Runtime.BootstrapArchivePath)
	}
	if got := strings.Join(cfg.Runtime.RuntimeSearchPaths, ","); got != filepath.Join(home, "src")+",/opt/lib/extra.jar" {
		t.Fatalf("runtime_search_paths = %q", got)
	}
	if strings.Join(cfg.Runtime.ExtraRuntimeFlags, " ") != "-Xmx1g" {
		t.Fatalf("extra_runtime_flags = %v", cfg.Runtime.ExtraRuntimeFlags)
	}
	if strings.Join(cfg.Runtime.LibraryPaths, ",") != "/usr/lib/native" {
		t.Fatalf("library_paths = %v", cfg.Runtime.LibraryPaths)
	}
	if cfg.Session.Settle != 9*time.Second {
		t.Fatalf("session.settle = %s, want 9s", cfg.Session.Settle)
	}
	if cfg.Session.PollInterval != 50*time.Millisecond {
		t.Fatalf("session.poll_interval = %s, want 50ms", cfg.Session.PollInterval)
	}
	if cfg.Process.EvalTimeout != 2*time.Minute {
		t.Fatalf("process.eval_timeout = %s, want 2m", cfg.Process.EvalTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log.level = %q, want debug", cfg.Log.Level)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "http://collector:4318" {
		t.Fatalf("otel = %#v", cfg.OTEL)
	}
	if strings.Join(cfg.Document.Languages, ",") != "clojure" {
		t.Fatalf("document.languages = %v", cfg.Document.Languages)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: "[session]\nsettle = \"soon\"\n", want: "session.settle"},
		{name: "zero settle", content: "[session]\nsettle = \"0s\"\n", want: "must be > 0"},
		{name: "negative timeout", content: "[process]\neval_timeout = \"-1s\"\n", want: "must be >= 0"},
		{name: "unknown level", content: "[log]\nlevel = \"loud\"\n", want: "unsupported level"},
		{name: "unknown key", content: "[runtime]\nbinary = \"clj\"\n", want: "unsupported key runtime.binary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			path := filepath.Join(home, "config.toml")
			writeFile(t, path, tt.content)

			_, err := LoadFiles(context.Background(), home, path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadFilesSkipsMissingFiles(t *testing.T) {
	home := t.TempDir()

	cfg, err := LoadFiles(context.Background(), home, filepath.Join(home, "absent.toml"))
	if err != nil {
		t.Fatalf("load files: %v", err)
	}
	if cfg.Runtime.JavaPath != defaultJavaPath {
		t.Fatalf("java_path = %q, want default", cfg.Runtime.JavaPath)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
