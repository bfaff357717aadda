package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Protocol config
	assert.Equal(t, 10*time.Second, cfg.Protocol.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Protocol.InitTimeout)
	assert.Equal(t, 32, cfg.Protocol.MaxDepth)
	assert.Equal(t, 1024, cfg.Protocol.RegistryCapacity)
	assert.Equal(t, 8, cfg.Protocol.ReleaseBatchThreshold)
	assert.False(t, cfg.Protocol.Compression)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":              "9100",
		"CALL_TIMEOUT":      "3s",
		"INIT_TIMEOUT":      "1s",
		"MAX_DEPTH":         "16",
		"REGISTRY_CAPACITY": "64",
		"LOG_LEVEL":         "debug",
		"LOG_DEV":           "true",
	}
	for key, value := range envVars {
		err := os.Setenv(key, value)
		require.NoError(t, err)
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Protocol.CallTimeout)
	assert.Equal(t, time.Second, cfg.Protocol.InitTimeout)
	assert.Equal(t, 16, cfg.Protocol.MaxDepth)
	assert.Equal(t, 64, cfg.Protocol.RegistryCapacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	err := os.Setenv("MAX_DEPTH", "8")
	require.NoError(t, err)
	defer os.Unsetenv("MAX_DEPTH")

	cfg, err := Load()
	require.NoError(t, err)

	// Overridden value
	assert.Equal(t, 8, cfg.Protocol.MaxDepth)

	// Defaults still apply
	assert.Equal(t, 1024, cfg.Protocol.RegistryCapacity)
	assert.Equal(t, "8090", cfg.Server.Port)
}

func TestFromFile(t *testing.T) {
	t.Run("overrides environment defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "framelink.toml")
		content := `
[Protocol]
call_timeout = "2s"
registry_capacity = 32

[Server]
port = "7000"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.Protocol.CallTimeout)
		assert.Equal(t, 32, cfg.Protocol.RegistryCapacity)
		assert.Equal(t, "7000", cfg.Server.Port)

		// Untouched keys keep defaults
		assert.Equal(t, 32, cfg.Protocol.MaxDepth)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := FromFile(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}
