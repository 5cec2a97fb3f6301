package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/common/log"
	"github.com/scoutfs/scoutfs/pkg/format"
	"github.com/scoutfs/scoutfs/pkg/telemetry"
)

const CurrentConfigVersion = 1

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config not found")
)

// Config holds the mount options for a device.
type Config struct {
	Version int `json:"version"`

	DevicePath string `json:"device_path"`
	// ExpectedFSID refuses to mount a different filesystem when non-zero.
	ExpectedFSID uint64 `json:"expected_fsid"`

	// Transaction configuration
	MaxTransBlocks int  `json:"max_trans_blocks"`
	SyncOnCommit   bool `json:"sync_on_commit"`

	// Device I/O configuration
	IORetries      int   `json:"io_retries"`
	IORetryDelayMs int64 `json:"io_retry_delay_ms"`

	LogLevel  string           `json:"log_level"`
	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(devicePath string) *Config {
	return &Config{
		Version:        CurrentConfigVersion,
		DevicePath:     devicePath,
		MaxTransBlocks: format.MaxTransBlocks,
		SyncOnCommit:   true,
		IORetries:      3,
		IORetryDelayMs: 10,
		LogLevel:       log.LevelInfo.String(),
		Telemetry:      telemetry.DefaultConfig(),
	}
}

// IORetryDelay is the first retry delay as a duration.
func (c *Config) IORetryDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.IORetryDelayMs) * time.Millisecond
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "invalid version %d", c.Version)
	}

	if c.DevicePath == "" {
		return errors.Wrap(ErrInvalidConfig, "device path not specified")
	}

	// A transaction must be able to hold at least one full path of tree
	// blocks plus its new root.
	if c.MaxTransBlocks < format.MinTransBlocks || c.MaxTransBlocks > format.MaxTransBlocks {
		return errors.Wrapf(ErrInvalidConfig, "max transaction blocks %d outside %d..%d",
			c.MaxTransBlocks, format.MinTransBlocks, format.MaxTransBlocks)
	}

	if c.IORetries < 0 {
		return errors.Wrap(ErrInvalidConfig, "I/O retries must not be negative")
	}

	if c.IORetryDelayMs < 0 {
		return errors.Wrap(ErrInvalidConfig, "I/O retry delay must not be negative")
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "log level: %v", err)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "telemetry: %v", err)
		}
	}

	return nil
}

// LoadConfig reads a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrConfigNotFound, path)
		}
		return nil, errors.Wrap(err, "failed to read config")
	}

	cfg := &Config{Telemetry: telemetry.DefaultConfig()}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to path through a temporary file so
// a crash never leaves a partial file behind.
func (c *Config) SaveConfig(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	if err := os.Rename(tempPath, path); err != nil {
		return errors.Wrap(err, "failed to rename config")
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// MkfsOptions control how a new filesystem is formatted.
type MkfsOptions struct {
	// Blocks is the device size in blocks. Zero uses the whole device.
	Blocks uint64 `json:"blocks"`
	// FSID is the filesystem id. Zero picks one from the new uuid.
	FSID uint64 `json:"fsid"`
	// UUID is the device uuid. Empty generates a random one.
	UUID string `json:"uuid"`
}
