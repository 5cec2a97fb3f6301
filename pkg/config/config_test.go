package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutfs/pkg/format"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/scoutfs.img")

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, "/tmp/scoutfs.img", cfg.DevicePath)
	assert.Equal(t, format.MaxTransBlocks, cfg.MaxTransBlocks)
	assert.True(t, cfg.SyncOnCommit)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, int64(10), cfg.IORetryDelay().Milliseconds())
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name:     "invalid version",
			mutate:   func(c *Config) { c.Version = 0 },
			expected: "invalid version 0: invalid configuration",
		},
		{
			name:     "empty device path",
			mutate:   func(c *Config) { c.DevicePath = "" },
			expected: "device path not specified: invalid configuration",
		},
		{
			name:     "tiny transactions",
			mutate:   func(c *Config) { c.MaxTransBlocks = 4 },
			expected: "max transaction blocks 4 outside 46..32768: invalid configuration",
		},
		{
			name:     "huge transactions",
			mutate:   func(c *Config) { c.MaxTransBlocks = format.MaxTransBlocks + 1 },
			expected: "max transaction blocks 32769 outside 46..32768: invalid configuration",
		},
		{
			name:     "negative retries",
			mutate:   func(c *Config) { c.IORetries = -1 },
			expected: "I/O retries must not be negative: invalid configuration",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.LogLevel = "LOUD" },
			expected: "",
		},
		{
			name: "bad telemetry",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRate = 2
			},
			expected: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/scoutfs.img")
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			if tc.expected != "" {
				assert.Equal(t, tc.expected, err.Error())
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "scoutfs.json")

	cfg := NewDefaultConfig(filepath.Join(dir, "dev.img"))
	cfg.MaxTransBlocks = 1024
	cfg.ExpectedFSID = 0x1234
	cfg.LogLevel = "DEBUG"
	require.NoError(t, cfg.SaveConfig(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, loaded.MaxTransBlocks)
	assert.Equal(t, uint64(0x1234), loaded.ExpectedFSID)
	assert.Equal(t, "DEBUG", loaded.LogLevel)
	assert.Equal(t, cfg.Telemetry.ServiceName, loaded.Telemetry.ServiceName)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, ErrConfigNotFound))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = LoadConfig(path)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := NewDefaultConfig("")
	err := cfg.SaveConfig(filepath.Join(t.TempDir(), "c.json"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfigUpdate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/scoutfs.img")

	cfg.Update(func(c *Config) {
		c.MaxTransBlocks = 64
		c.SyncOnCommit = false
	})

	assert.Equal(t, 64, cfg.MaxTransBlocks)
	assert.False(t, cfg.SyncOnCommit)
	require.NoError(t, cfg.Validate())
}
