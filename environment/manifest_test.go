package environment

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronpilot/cronpilot/errors"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	require.NoError(t, err)
	return v
}

func TestParseManifest(t *testing.T) {
	content := []byte(`# data pipeline deps
requests==2.31.0

pandas>=2.0.0
pyyaml  # parsing configs
boto3~=1.28.0
`)

	specs, err := ParseManifest(content)
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.Equal(t, "requests", specs[0].Name)
	require.NotNil(t, specs[0].Constraint)

	assert.Equal(t, "pandas", specs[1].Name)
	require.NotNil(t, specs[1].Constraint)

	assert.Equal(t, "pyyaml", specs[2].Name)
	assert.Nil(t, specs[2].Constraint)

	assert.Equal(t, "boto3", specs[3].Name)
	require.NotNil(t, specs[3].Constraint)
}

func TestParseManifestPreservesOrder(t *testing.T) {
	specs, err := ParseManifest([]byte("zlib\nattrs\nmarkdown\n"))
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "zlib", specs[0].Name)
	assert.Equal(t, "attrs", specs[1].Name)
	assert.Equal(t, "markdown", specs[2].Name)
}

func TestParseManifestEmpty(t *testing.T) {
	specs, err := ParseManifest([]byte("# only comments\n\n"))
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestParseManifestInvalidConstraint(t *testing.T) {
	_, err := ParseManifest([]byte("requests==not.a.version\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifestParse))
	assert.Contains(t, err.Error(), "line 1")
}

func TestParseManifestInvalidName(t *testing.T) {
	_, err := ParseManifest([]byte("not a package\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifestParse))
}

func TestConstraintMatching(t *testing.T) {
	specs, err := ParseManifest([]byte("requests>=2.30.0\n"))
	require.NoError(t, err)
	require.NotNil(t, specs[0].Constraint)

	assert.True(t, specs[0].Constraint.Check(mustVersion(t, "2.31.0")))
	assert.False(t, specs[0].Constraint.Check(mustVersion(t, "2.29.0")))
}

func TestHashManifestChangesWithContent(t *testing.T) {
	a := HashManifest([]byte("requests\n"))
	b := HashManifest([]byte("requests\npandas\n"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashManifest([]byte("requests\n")))
}
