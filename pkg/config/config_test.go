package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsBuiltin(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Builtin(), got)
}

func TestLoadEmptyPathReturnsBuiltin(t *testing.T) {
	got, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Builtin(), got)
}

func TestLoadOverlaysOntoBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tools": {"maxToolIterations": 3},
		"server": {"port": 9090}
	}`), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Tools.MaxToolIterations)
	assert.Equal(t, 9090, got.Server.Port)
	// Untouched sections keep the compiled-in values.
	assert.Equal(t, []int{1000, 2000, 4000}, got.Retry.DelaysMs)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid defaults file")
}
