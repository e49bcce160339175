// Package environment validates the runtime a job executes under: an
// interpreter binary plus an optional dependency manifest. Resolution is a
// pure lookup and validate step run immediately before dispatch; it never
// touches the job registry.
package environment

import (
	"fmt"
	"time"

	"github.com/cronpilot/cronpilot/errors"
)

// ErrInterpreterNotFound is returned when the binding's interpreter path
// does not exist or is not executable.
var ErrInterpreterNotFound = errors.New("interpreter not found")

// ErrManifestParse is returned when the dependency manifest is missing or
// contains an unparsable specifier.
var ErrManifestParse = errors.New("manifest parse error")

// ErrDependencyInstall is the sentinel matched by errors.Is for install
// failures; the concrete *InstallError carries the tool's exit code.
var ErrDependencyInstall = errors.New("dependency install failed")

// InstallError reports a failed dependency installation with the install
// tool's exit code and captured stderr.
type InstallError struct {
	ExitCode int
	Stderr   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("dependency install failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

func (e *InstallError) Unwrap() error {
	return ErrDependencyInstall
}

// Validated is a successfully resolved environment, ready for dispatch.
type Validated struct {
	// Interpreter is the absolute path of the executable to spawn.
	Interpreter string

	// ManifestPath is the manifest the environment was validated against,
	// empty when the binding declares no dependencies.
	ManifestPath string

	// Specifiers are the parsed manifest entries, in file order.
	Specifiers []Specifier

	// ManifestHash is the content hash the cache entry is keyed by.
	ManifestHash string

	ValidatedAt time.Time
}
