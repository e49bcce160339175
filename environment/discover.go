package environment

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cronpilot/cronpilot/errors"
)

// DiscoveredEnv is a virtual environment found under the tasks directory.
type DiscoveredEnv struct {
	Name        string
	Path        string
	TaskFolder  string
	Interpreter string
}

// DiscoveredManifest is a dependency manifest found under the tasks
// directory.
type DiscoveredManifest struct {
	Name       string
	Path       string
	TaskFolder string
	Size       int64
}

// venvDirNames are the directory names checked when probing for a virtual
// environment inside a task folder.
var venvDirNames = []string{"venv", "env", ".venv", ".env", "virtualenv"}

// DiscoverEnvironments walks the tasks directory for virtual environments a
// binding could point at. A missing tasks directory yields an empty list.
func DiscoverEnvironments(tasksDir string) ([]DiscoveredEnv, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read tasks directory %s", tasksDir)
	}

	var envs []DiscoveredEnv

	// Environments directly under the tasks directory.
	for _, name := range venvDirNames {
		candidate := filepath.Join(tasksDir, name)
		if interp := venvInterpreter(candidate); interp != "" {
			envs = append(envs, DiscoveredEnv{
				Name:        "tasks_" + name,
				Path:        candidate,
				TaskFolder:  "tasks",
				Interpreter: interp,
			})
		}
	}

	// Environments inside each task folder.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, name := range venvDirNames {
			candidate := filepath.Join(tasksDir, entry.Name(), name)
			if interp := venvInterpreter(candidate); interp != "" {
				envs = append(envs, DiscoveredEnv{
					Name:        entry.Name() + "_" + name,
					Path:        candidate,
					TaskFolder:  entry.Name(),
					Interpreter: interp,
				})
			}
		}
	}

	return envs, nil
}

// DiscoverManifests finds requirements-style manifests anywhere under the
// tasks directory.
func DiscoverManifests(tasksDir string) ([]DiscoveredManifest, error) {
	var manifests []DiscoveredManifest

	err := filepath.WalkDir(tasksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isManifestName(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tasksDir, path)
		if err != nil {
			return err
		}
		manifests = append(manifests, DiscoveredManifest{
			Name:       strings.ReplaceAll(rel, string(filepath.Separator), "_"),
			Path:       path,
			TaskFolder: filepath.Dir(rel),
			Size:       info.Size(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to walk tasks directory %s", tasksDir)
	}

	return manifests, nil
}

// DiscoveredScript is an entry-point candidate found under the tasks
// directory. Name is derived from the path relative to the tasks directory
// and doubles as the suggested job name.
type DiscoveredScript struct {
	Name       string
	Path       string
	EntryPoint string // path relative to the tasks directory
	TaskFolder string
}

// DiscoverScripts finds python entry-point scripts at the top of the tasks
// directory and one level down inside task folders. Virtual environment
// directories are not descended into.
func DiscoverScripts(tasksDir string) ([]DiscoveredScript, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read tasks directory %s", tasksDir)
	}

	var scripts []DiscoveredScript
	for _, entry := range entries {
		if !entry.IsDir() {
			if script, ok := scriptAt(tasksDir, entry.Name(), ""); ok {
				scripts = append(scripts, script)
			}
			continue
		}
		if isVenvDirName(entry.Name()) {
			continue
		}
		nested, err := os.ReadDir(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			continue
		}
		for _, sub := range nested {
			if sub.IsDir() {
				continue
			}
			if script, ok := scriptAt(tasksDir, filepath.Join(entry.Name(), sub.Name()), entry.Name()); ok {
				scripts = append(scripts, script)
			}
		}
	}
	return scripts, nil
}

func scriptAt(tasksDir, rel, taskFolder string) (DiscoveredScript, bool) {
	if !strings.HasSuffix(rel, ".py") {
		return DiscoveredScript{}, false
	}
	name := strings.TrimSuffix(rel, ".py")
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return DiscoveredScript{
		Name:       name,
		Path:       filepath.Join(tasksDir, rel),
		EntryPoint: rel,
		TaskFolder: taskFolder,
	}, true
}

func isVenvDirName(name string) bool {
	for _, v := range venvDirNames {
		if name == v {
			return true
		}
	}
	return false
}

func isManifestName(name string) bool {
	if name == "requirements.txt" || name == "deps.txt" {
		return true
	}
	if strings.HasPrefix(name, "requirements-") && strings.HasSuffix(name, ".txt") {
		return true
	}
	if strings.HasPrefix(name, "req-") && strings.HasSuffix(name, ".txt") {
		return true
	}
	return false
}

// venvInterpreter returns the interpreter inside a virtual environment
// directory, or empty when the directory is not a valid environment.
func venvInterpreter(envPath string) string {
	for _, rel := range []string{
		filepath.Join("bin", "python"),
		filepath.Join("Scripts", "python.exe"),
	} {
		candidate := filepath.Join(envPath, rel)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
