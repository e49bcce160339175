package environment

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cronpilot/cronpilot/errors"
	"github.com/cronpilot/cronpilot/registry"
)

// probeTimeout bounds the interpreter sanity check so a wedged binary
// cannot stall resolution.
const probeTimeout = 10 * time.Second

// Resolver validates environment bindings and caches successful results per
// (binding, manifest content hash). Cache entries are dropped proactively
// when the manifest file changes on disk.
type Resolver struct {
	installTimeout time.Duration
	log            *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]*Validated

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewResolver creates a resolver. installTimeout bounds dependency
// installation for a single manifest.
func NewResolver(installTimeout time.Duration, log *zap.SugaredLogger) (*Resolver, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create manifest watcher")
	}

	r := &Resolver{
		installTimeout: installTimeout,
		log:            log,
		cache:          make(map[string]*Validated),
		watcher:        watcher,
		done:           make(chan struct{}),
	}
	go r.watchManifests()
	return r, nil
}

// Close stops the manifest watcher.
func (r *Resolver) Close() error {
	close(r.done)
	return r.watcher.Close()
}

// Resolve validates the binding and returns an environment ready for
// dispatch. Steps: the interpreter must exist and be executable, the
// manifest (when set) must parse, and its dependencies must install. Each
// step fails with its own error so the run record can say exactly what was
// wrong before any job process was spawned.
func (r *Resolver) Resolve(ctx context.Context, binding registry.EnvironmentBinding) (*Validated, error) {
	interpreter := binding.InterpreterPath
	if interpreter == "" {
		host, err := hostInterpreter()
		if err != nil {
			return nil, err
		}
		interpreter = host
	}

	var manifest []byte
	var hash string
	if binding.ManifestPath != "" {
		content, err := os.ReadFile(binding.ManifestPath)
		if err != nil {
			return nil, errors.Wrapf(ErrManifestParse, "cannot read manifest %s: %v", binding.ManifestPath, err)
		}
		manifest = content
		hash = HashManifest(content)
	}

	key := interpreter + "|" + binding.ManifestPath + "|" + hash
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if err := r.validateInterpreter(ctx, interpreter); err != nil {
		return nil, err
	}

	env := &Validated{
		Interpreter:  interpreter,
		ManifestPath: binding.ManifestPath,
		ManifestHash: hash,
		ValidatedAt:  time.Now().UTC(),
	}

	if binding.ManifestPath != "" {
		specs, err := ParseManifest(manifest)
		if err != nil {
			return nil, err
		}
		env.Specifiers = specs

		if err := r.installDependencies(ctx, interpreter, binding.ManifestPath); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.cache[key] = env
	r.mu.Unlock()

	if binding.ManifestPath != "" {
		if err := r.watcher.Add(filepath.Dir(binding.ManifestPath)); err != nil {
			r.log.Warnw("Failed to watch manifest directory",
				"path", binding.ManifestPath, "error", err)
		}
	}

	r.log.Infow("Validated environment",
		"interpreter", interpreter,
		"manifest", binding.ManifestPath,
		"dependencies", len(env.Specifiers))
	return env, nil
}

func (r *Resolver) validateInterpreter(ctx context.Context, interpreter string) error {
	info, err := os.Stat(interpreter)
	if err != nil {
		return errors.Wrapf(ErrInterpreterNotFound, "%s: %v", interpreter, err)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return errors.Wrapf(ErrInterpreterNotFound, "%s is not executable", interpreter)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, interpreter, "-c", "import sys; print(sys.version)")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(ErrInterpreterNotFound,
			"%s failed sanity check: %v: %s", interpreter, err, bytes.TrimSpace(out))
	}
	return nil
}

func (r *Resolver) installDependencies(ctx context.Context, interpreter, manifestPath string) error {
	installCtx, cancel := context.WithTimeout(ctx, r.installTimeout)
	defer cancel()

	cmd := exec.CommandContext(installCtx, interpreter, "-m", "pip", "install", "-r", manifestPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.log.Infow("Installing dependencies", "manifest", manifestPath)
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &InstallError{
			ExitCode: exitCode,
			Stderr:   string(bytes.TrimSpace(stderr.Bytes())),
		}
	}
	return nil
}

// watchManifests drops cache entries when a watched manifest changes, so the
// next resolution re-reads and re-validates it.
func (r *Resolver) watchManifests() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.invalidate(event.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warnw("Manifest watcher error", "error", err)
		}
	}
}

func (r *Resolver) invalidate(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, env := range r.cache {
		if env.ManifestPath == path {
			delete(r.cache, key)
			r.log.Debugw("Invalidated environment cache entry", "manifest", path)
		}
	}
}

// hostInterpreter locates the default runtime used when a binding has no
// interpreter path.
func hostInterpreter() (string, error) {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.Wrap(ErrInterpreterNotFound, "no host interpreter on PATH")
}
