package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeVenv(t *testing.T, root string) {
	t.Helper()
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
}

func TestDiscoverEnvironments(t *testing.T) {
	tasks := t.TempDir()
	makeVenv(t, filepath.Join(tasks, "backup", "venv"))
	makeVenv(t, filepath.Join(tasks, ".venv"))

	// A directory without an interpreter is not an environment.
	require.NoError(t, os.MkdirAll(filepath.Join(tasks, "report", "venv"), 0o755))

	envs, err := DiscoverEnvironments(tasks)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	names := []string{envs[0].Name, envs[1].Name}
	assert.Contains(t, names, "tasks_.venv")
	assert.Contains(t, names, "backup_venv")
	for _, env := range envs {
		assert.NotEmpty(t, env.Interpreter)
	}
}

func TestDiscoverEnvironmentsMissingDir(t *testing.T) {
	envs, err := DiscoverEnvironments(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestDiscoverScripts(t *testing.T) {
	tasks := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tasks, "backup"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "cleanup.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "backup", "run.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "backup", "README.md"), []byte("docs\n"), 0o644))

	// Scripts inside virtual environments are not entry points.
	makeVenv(t, filepath.Join(tasks, "venv"))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "venv", "site.py"), []byte("\n"), 0o644))

	scripts, err := DiscoverScripts(tasks)
	require.NoError(t, err)
	require.Len(t, scripts, 2)

	byName := map[string]DiscoveredScript{}
	for _, s := range scripts {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "cleanup")
	require.Contains(t, byName, "backup_run")
	assert.Equal(t, "cleanup.py", byName["cleanup"].EntryPoint)
	assert.Equal(t, filepath.Join("backup", "run.py"), byName["backup_run"].EntryPoint)
	assert.Equal(t, "backup", byName["backup_run"].TaskFolder)
}

func TestDiscoverManifests(t *testing.T) {
	tasks := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tasks, "backup"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "backup", "requirements.txt"), []byte("requests\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "requirements-dev.txt"), []byte("pytest\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tasks, "notes.txt"), []byte("not a manifest\n"), 0o644))

	manifests, err := DiscoverManifests(tasks)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	for _, m := range manifests {
		assert.Greater(t, m.Size, int64(0))
	}
}
