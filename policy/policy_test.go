package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
)

func TestDefaultDeniesEverything(t *testing.T) {
	p := Default()
	for _, c := range Categories() {
		assert.False(t, p.Allows(c), "default policy must deny %s", c)
	}
}

func TestAllows(t *testing.T) {
	p := Policy{Allow: []Category{Filesystem, Clock}}

	assert.True(t, p.Allows(Filesystem))
	assert.True(t, p.Allows(Clock))
	assert.False(t, p.Allows(Network))
	assert.False(t, p.Allows(Random))
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(`{"allow":["filesystem","random"],"filesystem_root":"/tmp","max_memory_pages":256}`))
	require.NoError(t, err)

	assert.True(t, p.Allows(Filesystem))
	assert.True(t, p.Allows(Random))
	assert.False(t, p.Allows(Network))
	assert.Equal(t, "/tmp", p.FilesystemRoot)
	assert.Equal(t, uint32(256), p.MaxMemoryPages)
}

func TestParseRejectsUnknownCategory(t *testing.T) {
	_, err := Parse([]byte(`{"allow":["teleport"]}`))
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindInvalidInput))
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"allow":`))
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsKind(err, bridgeerrors.KindInvalidInput))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"allow":["network"]}`), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.True(t, p.Allows(Network))

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "allow")
	assert.Contains(t, string(data), "max_memory_pages")
}
