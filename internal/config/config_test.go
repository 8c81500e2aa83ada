package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inboxmux/aggregator/internal/config"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.False(t, cfg.UltraFastProfile)
	require.Equal(t, 3000, cfg.DebounceMillis)
}

func TestLoad_ReadsYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "domains:\n  example.com: inbox@backend.test\ndebounce_millis: 500\nultra_fast_profile: true\nlisten_addr: \":9090\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "inbox@backend.test", cfg.Domains["example.com"])
	require.Equal(t, 500, cfg.DebounceMillis)
	require.True(t, cfg.UltraFastProfile)
	require.Equal(t, ":9090", cfg.ListenAddr)
}

func TestDebounce_ConvertsMillisToDuration(t *testing.T) {
	cfg := config.AppConfig{DebounceMillis: 1500}
	require.Equal(t, int64(1500), cfg.Debounce().Milliseconds())
}
