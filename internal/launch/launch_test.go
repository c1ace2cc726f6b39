package launch

import (
	"errors"
	"os"
	"testing"

	"github.com/cljeval/cljeval/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sep = string(os.PathListSeparator)

func TestBuildFailsWithoutBinaryOrArchive(t *testing.T) {
	t.Parallel()

	_, err := Build(config.Runtime{
		JavaPath:           "java",
		EntryPoint:         "clojure.main",
		RuntimeSearchPaths: []string{"/src"},
	})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "error %T is not a ConfigurationError", err)
	assert.Contains(t, cfgErr.Error(), "binary_path")

	require.Error(t, Validate(config.Runtime{}))
	assert.True(t, errors.As(Validate(config.Runtime{}), &cfgErr))
}

func TestBuildBootstrapArchive(t *testing.T) {
	t.Parallel()

	spec, err := Build(config.Runtime{
		BootstrapArchivePath: "/jars/clojure.jar",
		JavaPath:             "/usr/bin/java",
		EntryPoint:           "clojure.main",
		RuntimeSearchPaths:   []string{"/src", "", "/lib/dep.jar"},
		LibraryPaths:         []string{"/native/a", "/native/b"},
		ExtraRuntimeFlags:    []string{"-Xmx512m", "-server"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/usr/bin/java",
		"-Xmx512m",
		"-server",
		"-Djava.library.path=/native/a" + sep + "/native/b",
		"-cp",
		"/jars/clojure.jar" + sep + "/src" + sep + "/lib/dep.jar",
		"clojure.main",
	}, spec.Args())
	assert.Equal(t, "/usr/bin/java", spec.Executable())
}

func TestBuildOmitsLibraryPathFlagWhenUnset(t *testing.T) {
	t.Parallel()

	spec, err := Build(config.Runtime{
		BootstrapArchivePath: "/jars/clojure.jar",
		JavaPath:             "java",
		EntryPoint:           "clojure.main",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"java", "-cp", "/jars/clojure.jar", "clojure.main"}, spec.Args())
}

func TestBuildBinaryTakesPrecedence(t *testing.T) {
	t.Parallel()

	spec, err := Build(config.Runtime{
		BinaryPath:           "/usr/local/bin/clojure",
		BootstrapArchivePath: "/jars/clojure.jar",
		JavaPath:             "java",
		EntryPoint:           "clojure.main",
		ExtraRuntimeFlags:    []string{"-J-Xmx1g"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/clojure", "-J-Xmx1g"}, spec.Args())

	withPaths, err := Build(config.Runtime{BinaryPath: "clj", RuntimeSearchPaths: []string{"/a", "/b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"clj", "-cp", "/a" + sep + "/b"}, withPaths.Args())
}

func TestBuildIsDeterministicAndImmutable(t *testing.T) {
	t.Parallel()

	cfg := config.Runtime{
		BootstrapArchivePath: "/jars/clojure.jar",
		JavaPath:             "java",
		EntryPoint:           "clojure.main",
		RuntimeSearchPaths:   []string{"/src"},
	}
	first, err := Build(cfg)
	require.NoError(t, err)
	second, err := Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, first.Args(), second.Args())

	args := first.Args()
	args[0] = "mutated"
	assert.Equal(t, "java", first.Executable())

	withSource := first.WithArgs("/tmp/source.clj")
	assert.Equal(t, "/tmp/source.clj", withSource[len(withSource)-1])
	assert.Len(t, first.Args(), len(withSource)-1)
}

func TestBuildRejectsEmptyJavaOrEntryPoint(t *testing.T) {
	t.Parallel()

	_, err := Build(config.Runtime{BootstrapArchivePath: "/jars/clojure.jar", EntryPoint: "clojure.main"})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	_, err = Build(config.Runtime{BootstrapArchivePath: "/jars/clojure.jar", JavaPath: "java"})
	require.True(t, errors.As(err, &cfgErr))
}
