// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithKoanf_DefaultsOnly(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := LoadWithKoanf()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Listener.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Plugins)
}

func TestLoadWithKoanf_EnvOverridesDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("PLUGINHOST_LISTENER_PORT", "9999")
	t.Setenv("PLUGINHOST_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithKoanf()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Listener.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithKoanf_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "listener:\n  port: 7000\n  bind_address: 127.0.0.1\n  web_prefix: /pluginhost\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadWithKoanf()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Listener.Port)
	assert.Equal(t, "127.0.0.1", cfg.Listener.BindAddress)
}

func TestFindConfigFile_PrefersEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listener:\n  port: 1\n"), 0o600))

	t.Setenv(ConfigPathEnvVar, path)
	assert.Equal(t, path, findConfigFile())
}

func TestFindConfigFile_NoneFound(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	// Swap DefaultConfigPaths so a stray repo-root config.yaml can't interfere.
	original := DefaultConfigPaths
	DefaultConfigPaths = []string{filepath.Join(t.TempDir(), "does-not-exist.yaml")}
	defer func() { DefaultConfigPaths = original }()

	assert.Equal(t, "", findConfigFile())
}
