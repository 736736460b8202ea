package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainkit/delegator/selector"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, selector.Blake2bScheme, cfg.Selector.Scheme)

	d, err := cfg.Deriver()
	require.NoError(t, err)
	assert.Equal(t, selector.Blake2bScheme, d.Scheme())
}

func TestRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Repo.Path = "/var/lib/delegator"
	require.NoError(t, WriteFile(path, cfg))

	loaded, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestUnknownScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Selector.Scheme = "sha3-512/8"

	_, err := cfg.Deriver()
	require.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
