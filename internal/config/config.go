package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DirName is the per-user and per-project configuration directory name.
	DirName = ".cljeval"

	defaultJavaPath       = "java"
	defaultEntryPoint     = "clojure.main"
	defaultSessionHost    = "127.0.0.1"
	defaultSettle         = 30 * time.Second
	defaultPollInterval   = 200 * time.Millisecond
	defaultLogLevel       = "info"
	defaultOTELEnabled    = false
	defaultStateDirSuffix = DirName
)

var (
	defaultSessionArgs = []string{"-m", "nrepl.cmdline"}
	defaultLanguages   = []string{"clojure", "clj"}
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Runtime  Runtime
	Session  Session
	Process  Process
	Log      Log
	OTEL     OTEL
	Document Document
}

// Runtime describes how to start the Clojure runtime.
type Runtime struct {
	// BinaryPath is a complete launcher executable. It takes precedence over
	// BootstrapArchivePath when both are set.
	BinaryPath string
	// BootstrapArchivePath is the runtime jar started through JavaPath.
	BootstrapArchivePath string
	JavaPath             string
	EntryPoint           string
	RuntimeSearchPaths   []string
	LibraryPaths         []string
	ExtraRuntimeFlags    []string
}

// Session configures persistent REPL sessions.
type Session struct {
	// Args are appended to the launch argv to start a REPL server.
	Args         []string
	Settle       time.Duration
	PollInterval time.Duration
	Host         string
	StateDir     string
}

// Process configures one-shot evaluations.
type Process struct {
	// EvalTimeout bounds one process run. Zero waits indefinitely.
	EvalTimeout time.Duration
	TempDir     string
}

// Log configures the runtime log file.
type Log struct {
	Level string
	Dir   string
}

// OTEL configures trace export.
type OTEL struct {
	Enabled  bool
	Endpoint string
}

// Document configures the Markdown driver.
type Document struct {
	Languages []string
}

type fileConfig struct {
	Runtime  *runtimeFileConfig  `toml:"runtime"`
	Session  *sessionFileConfig  `toml:"session"`
	Process  *processFileConfig  `toml:"process"`
	Log      *logFileConfig      `toml:"log"`
	OTEL     *otelFileConfig     `toml:"otel"`
	Document *documentFileConfig `toml:"document"`
}

type runtimeFileConfig struct {
	BinaryPath           *string   `toml:"binary_path"`
	BootstrapArchivePath *string   `toml:"bootstrap_archive_path"`
	JavaPath             *string   `toml:"java_path"`
	EntryPoint           *string   `toml:"entry_point"`
	RuntimeSearchPaths   *[]string `toml:"runtime_search_paths"`
	LibraryPaths         *[]string `toml:"library_paths"`
	ExtraRuntimeFlags    *[]string `toml:"extra_runtime_flags"`
}

type sessionFileConfig struct {
	Args         *[]string `toml:"args"`
	Settle       *string   `toml:"settle"`
	PollInterval *string   `toml:"poll_interval"`
	Host         *string   `toml:"host"`
	StateDir     *string   `toml:"state_dir"`
}

type processFileConfig struct {
	EvalTimeout *string `toml:"eval_timeout"`
	TempDir     *string `toml:"temp_dir"`
}

type logFileConfig struct {
	Level *string `toml:"level"`
	Dir   *string `toml:"dir"`
}

type otelFileConfig struct {
	Enabled  *bool   `toml:"enabled"`
	Endpoint *string `toml:"endpoint"`
}

type documentFileConfig struct {
	Languages *[]string `toml:"languages"`
}

// Load reads config from ~/.cljeval/config.toml and overlays a project-local .cljeval/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(
		ctx,
		homeDir,
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	)
}

// LoadFiles applies defaults, then overlays each existing file in order.
// Missing files are skipped. homeDir anchors default directories and ~ expansion.
func LoadFiles(ctx context.Context, homeDir string, paths ...string) (*Config, error) {
	cfg := defaults(homeDir)
	for _, path := range paths {
		if err := overlayFromFile(&cfg, homeDir, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults(homeDir string) Config {
	stateDir := filepath.Join(homeDir, defaultStateDirSuffix)
	return Config{
		Runtime: Runtime{
			JavaPath:   defaultJavaPath,
			EntryPoint: defaultEntryPoint,
		},
		Session: Session{
			Args:         append([]string(nil), defaultSessionArgs...),
			Settle:       defaultSettle,
			PollInterval: defaultPollInterval,
			Host:         defaultSessionHost,
			StateDir:     stateDir,
		},
		Process: Process{
			TempDir: os.TempDir(),
		},
		Log: Log{
			Level: defaultLogLevel,
			Dir:   filepath.Join(stateDir, "logs"),
		},
		OTEL: OTEL{
			Enabled: defaultOTELEnabled,
		},
		Document: Document{
			Languages: append([]string(nil), defaultLanguages...),
		},
	}
}

func overlayFromFile(cfg *Config, homeDir string, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %s", path, undecoded[0].String())
	}

	applyRuntimeOverrides(cfg, decoded.Runtime, homeDir)
	if err := applySessionOverrides(cfg, decoded.Session, homeDir, path); err != nil {
		return err
	}
	if err := applyProcessOverrides(cfg, decoded.Process, homeDir, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded.Log, homeDir, path); err != nil {
		return err
	}
	if decoded.OTEL != nil {
		if decoded.OTEL.Enabled != nil {
			cfg.OTEL.Enabled = *decoded.OTEL.Enabled
		}
		if decoded.OTEL.Endpoint != nil {
			cfg.OTEL.Endpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
		}
	}
	if decoded.Document != nil && decoded.Document.Languages != nil {
		cfg.Document.Languages = normalizeList(*decoded.Document.Languages, strings.ToLower)
	}

	return nil
}

func applyRuntimeOverrides(cfg *Config, decoded *runtimeFileConfig, homeDir string) {
	if decoded == nil {
		return
	}
	expand := func(value string) string { return expandHome(value, homeDir) }

	if decoded.BinaryPath != nil {
		cfg.Runtime.BinaryPath = expand(*decoded.BinaryPath)
	}
	if decoded.BootstrapArchivePath != nil {
		cfg.Runtime.BootstrapArchivePath = expand(*decoded.BootstrapArchivePath)
	}
	if decoded.JavaPath != nil {
		cfg.Runtime.JavaPath = expand(*decoded.JavaPath)
	}
	if decoded.EntryPoint != nil {
		cfg.Runtime.EntryPoint = strings.TrimSpace(*decoded.EntryPoint)
	}
	if decoded.RuntimeSearchPaths != nil {
		cfg.Runtime.RuntimeSearchPaths = normalizeList(*decoded.RuntimeSearchPaths, expand)
	}
	if decoded.LibraryPaths != nil {
		cfg.Runtime.LibraryPaths = normalizeList(*decoded.LibraryPaths, expand)
	}
	if decoded.ExtraRuntimeFlags != nil {
		cfg.Runtime.ExtraRuntimeFlags = normalizeList(*decoded.ExtraRuntimeFlags, nil)
	}
}

func applySessionOverrides(cfg *Config, decoded *sessionFileConfig, homeDir, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Args != nil {
		cfg.Session.Args = normalizeList(*decoded.Args, nil)
	}
	if decoded.Settle != nil {
		value, err := parseDuration(*decoded.Settle, "session.settle", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse session.settle in %q: must be > 0", path)
		}
		cfg.Session.Settle = value
	}
	if decoded.PollInterval != nil {
		value, err := parseDuration(*decoded.PollInterval, "session.poll_interval", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse session.poll_interval in %q: must be > 0", path)
		}
		cfg.Session.PollInterval = value
	}
	if decoded.Host != nil {
		cfg.Session.Host = strings.TrimSpace(*decoded.Host)
	}
	if decoded.StateDir != nil {
		cfg.Session.StateDir = expandHome(*decoded.StateDir, homeDir)
	}
	return nil
}

func applyProcessOverrides(cfg *Config, decoded *processFileConfig, homeDir, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.EvalTimeout != nil {
		value, err := parseDuration(*decoded.EvalTimeout, "process.eval_timeout", path)
		if err != nil {
			return err
		}
		if value < 0 {
			return fmt.Errorf("parse process.eval_timeout in %q: must be >= 0", path)
		}
		cfg.Process.EvalTimeout = value
	}
	if decoded.TempDir != nil {
		cfg.Process.TempDir = expandHome(*decoded.TempDir, homeDir)
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded *logFileConfig, homeDir, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Level != nil {
		level := strings.ToLower(strings.TrimSpace(*decoded.Level))
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("parse log.level in %q: unsupported level %q", path, *decoded.Level)
		}
		cfg.Log.Level = level
	}
	if decoded.Dir != nil {
		cfg.Log.Dir = expandHome(*decoded.Dir, homeDir)
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeList(values []string, transform func(string) string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if transform != nil {
			value = transform(value)
		}
		out = append(out, value)
	}
	return out
}

func expandHome(value string, homeDir string) string {
	value = strings.TrimSpace(value)
	if homeDir == "" {
		return value
	}
	if value == "~" {
		return homeDir
	}
	if strings.HasPrefix(value, "~/") {
		return filepath.Join(homeDir, value[2:])
	}
	return value
}
