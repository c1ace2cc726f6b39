// Package launch assembles the argument vector that starts the Clojure
// runtime from configuration.
package launch

import (
	"fmt"
	"os"
	"strings"

	"github.com/cljeval/cljeval/internal/config"
)

const (
	classpathFlag       = "-cp"
	libraryPathProperty = "-Djava.library.path="
)

// ConfigurationError reports a runtime configuration that cannot produce a
// launch command. It is fatal and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "runtime configuration: " + e.Reason
}

// Spec is an immutable argument vector for the runtime.
type Spec struct {
	args []string
}

// Build returns the launch argv for cfg. It fails with *ConfigurationError
// before anything is spawned when neither a binary path nor a bootstrap
// archive path is configured.
//
// Bootstrap archive: [java, flags..., -Djava.library.path=..., -cp, classpath, entry point]
// Binary:            [binary, flags..., -cp, classpath]  (classpath only when configured)
func Build(cfg config.Runtime) (Spec, error) {
	binary := strings.TrimSpace(cfg.BinaryPath)
	archive := strings.TrimSpace(cfg.BootstrapArchivePath)
	if binary == "" && archive == "" {
		return Spec{}, &ConfigurationError{Reason: "neither binary_path nor bootstrap_archive_path is configured"}
	}

	args := make([]string, 0, 6+len(cfg.ExtraRuntimeFlags))
	if binary != "" {
		args = append(args, binary)
		args = appendNonEmpty(args, cfg.ExtraRuntimeFlags)
		if classpath := joinPaths(cfg.RuntimeSearchPaths); classpath != "" {
			args = append(args, classpathFlag, classpath)
		}
		return Spec{args: args}, nil
	}

	javaPath := strings.TrimSpace(cfg.JavaPath)
	if javaPath == "" {
		return Spec{}, &ConfigurationError{Reason: "java_path is empty"}
	}
	entryPoint := strings.TrimSpace(cfg.EntryPoint)
	if entryPoint == "" {
		return Spec{}, &ConfigurationError{Reason: "entry_point is empty"}
	}

	args = append(args, javaPath)
	args = appendNonEmpty(args, cfg.ExtraRuntimeFlags)
	if libraryPath := joinPaths(cfg.LibraryPaths); libraryPath != "" {
		args = append(args, libraryPathProperty+libraryPath)
	}
	components := append([]string{archive}, cfg.RuntimeSearchPaths...)
	args = append(args, classpathFlag, joinPaths(components), entryPoint)
	return Spec{args: args}, nil
}

// Args returns a copy of the argument vector.
func (s Spec) Args() []string {
	return append([]string(nil), s.args...)
}

// Executable returns the program to exec.
func (s Spec) Executable() string {
	if len(s.args) == 0 {
		return ""
	}
	return s.args[0]
}

// WithArgs returns argv with extra trailing arguments, leaving s untouched.
func (s Spec) WithArgs(extra ...string) []string {
	out := make([]string, 0, len(s.args)+len(extra))
	out = append(out, s.args...)
	return append(out, extra...)
}

// String renders the argv for logs. It is not shell-safe.
func (s Spec) String() string {
	return strings.Join(s.args, " ")
}

func joinPaths(paths []string) string {
	return strings.Join(appendNonEmpty(nil, paths), string(os.PathListSeparator))
}

func appendNonEmpty(dst []string, values []string) []string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		dst = append(dst, value)
	}
	return dst
}

// Validate reports whether cfg can produce a launch command.
func Validate(cfg config.Runtime) error {
	if _, err := Build(cfg); err != nil {
		return fmt.Errorf("validate runtime: %w", err)
	}
	return nil
}
