package environment

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/cronpilot/cronpilot/errors"
)

// Specifier is one dependency manifest entry: a package name with an
// optional version constraint.
type Specifier struct {
	Name       string
	Constraint *semver.Constraints
	Raw        string
}

// constraint operators in pip requirement syntax, longest first so the
// two-character forms win the prefix match.
var constraintOps = []string{"==", ">=", "<=", "~=", "!=", ">", "<"}

// ParseManifest parses a dependency manifest: one specifier per line,
// blank lines and # comments ignored, order preserved.
func ParseManifest(content []byte) ([]Specifier, error) {
	var specs []Specifier

	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Trailing comments.
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		spec, err := parseSpecifier(line)
		if err != nil {
			return nil, errors.Wrapf(ErrManifestParse, "line %d: %v", lineNo, err)
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}

	return specs, nil
}

func parseSpecifier(line string) (Specifier, error) {
	name := line
	var constraint string

	for i := 0; i < len(line); i++ {
		rest := line[i:]
		for _, op := range constraintOps {
			if strings.HasPrefix(rest, op) {
				name = strings.TrimSpace(line[:i])
				constraint = strings.TrimSpace(rest)
				break
			}
		}
		if constraint != "" {
			break
		}
	}

	if name == "" {
		return Specifier{}, errors.New("missing package name")
	}
	if strings.ContainsAny(name, " \t") {
		return Specifier{}, errors.Newf("invalid package name %q", name)
	}

	spec := Specifier{Name: name, Raw: line}
	if constraint != "" {
		c, err := semver.NewConstraint(normalizeConstraint(constraint))
		if err != nil {
			return Specifier{}, errors.Newf("invalid version constraint %q", constraint)
		}
		spec.Constraint = c
	}
	return spec, nil
}

// normalizeConstraint maps pip constraint operators onto the forms the
// semver library understands.
func normalizeConstraint(c string) string {
	c = strings.ReplaceAll(c, "==", "=")
	c = strings.ReplaceAll(c, "~=", "~")
	return c
}

// HashManifest returns the content hash that keys resolution cache entries.
func HashManifest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
